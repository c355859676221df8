/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package openlink

import "time"

const (
	// Component is the name of the logging field carrying the subsystem name
	Component = "component"

	// ComponentProcess is the top level process supervisor
	ComponentProcess = "process"

	// ComponentWeb is the control HTTP API and websocket acceptor
	ComponentWeb = "web"

	// ComponentSignal is the signaling dispatcher
	ComponentSignal = "signal"

	// ComponentSession is the session registry
	ComponentSession = "session"

	// ComponentBroker is the dynamic domain broker
	ComponentBroker = "broker"

	// ComponentNginx is the reverse proxy config writer
	ComponentNginx = "nginx"

	// ComponentChecker is the domain existence checker
	ComponentChecker = "checker"

	// ComponentExec is the privileged exec channel
	ComponentExec = "exec"

	// ComponentMonitor is the peered instance beacon inbox
	ComponentMonitor = "monitor"

	// DefaultTimeout sets the fallback timeout for blocking server ops
	DefaultTimeout time.Duration = 30 * time.Second

	// DebugEnvVar tells tests to use verbose debug output
	DebugEnvVar = "OPENLINK_DEBUG"
)
