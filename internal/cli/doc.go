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
Package cli provides the root command for keeperd.

This package creates the Cobra command tree and handles global concerns like
version information and persistent flags. Individual commands are
implemented in the internal/commands subpackages.

# Command Tree

	keeperd
	├── serve     Bind the admin listener and serve until stopped
	├── stop      Stop a background instance
	├── status    Query a running instance over the admin API
	├── restart   Warm-restart a running instance
	└── version   Show version

# Global Flags

	--config   Path to config file (default: ~/.config/keeper/config.yaml)
	--json     Output in JSON format where supported
*/
package cli
