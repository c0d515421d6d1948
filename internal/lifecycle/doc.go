// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package lifecycle owns the life of a keeper process: shutdown on signals,
descendant reaping, restart by process image replacement, and the PID file
and detached spawning used by background mode.

# Shutdown

A Supervisor subscribes to SIGINT and SIGTERM and runs Cleanup when either
arrives. Cleanup is guarded by a ShutdownLatch so its effects happen once:

	sup := lifecycle.NewSupervisor(config.RoleMaster, srv, lifecycle.WithLogger(logger))
	sup.Arm()

Cleanup destroys the server facade (master only), kills every descendant
process and exits with status 0. SIGHUP asks for a restart instead.

# Restart

After the server's Serve returns, a RestartController decides what to do:

	ctrl := lifecycle.NewRestartController(sup, srv, ledger)
	return ctrl.Resolve(ctx)

A requested restart tears down like Cleanup, closes the descriptors in the
Ledger except inheritable ones such as the listener handover, and execs the
same executable with the same arguments. The new image adopts the listener.

# PID Files

PID files use exclusive locking (flock) and atomic creation (O_EXCL):

	manager := lifecycle.NewPIDFileManager("/run/keeper/keeper.pid")
	if _, err := manager.Acquire(os.Getpid()); err != nil {
	    // Handle error
	}
	defer manager.Remove()

# Background Mode

	pid, err := lifecycle.NewSpawner().SpawnDetached(exe, args, logPath)
*/
package lifecycle
