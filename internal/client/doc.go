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


// Package client talks to a running keeperd over its admin API.
//
// The address comes from the bind section of the config file, the same
// resolution the server uses, or from KEEPER_HOST:
//
//	KEEPER_HOST=unix:///run/keeper.sock keeperd status
//	KEEPER_HOST=tcp://127.0.0.1:8000 keeperd restart
//
// Basic usage:
//
//	c, err := client.FromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	status, err := c.Status(ctx)
//	if client.IsNotRunning(err) {
//	    // nothing is listening
//	}
package client
