package events

// Replay lifecycle events (published to the /replay stream)

// EventTraceInstalled is published when a trace has been clustered and every
// dispatcher has started
type EventTraceInstalled struct {
	Epoch     string
	Source    string
	Entries   int
	Skipped   int
	Clusters  int
	Listeners int
}

// EventInstallFailed is published when a trace could not be activated
type EventInstallFailed struct {
	Source string
	Error  error
}

// EventListening is published when a replay listener is accepting connections
type EventListening struct {
	Cluster  int
	Identity string
	Addr     string
}

// EventListenerFailed is published when one identity could not be served,
// typically because no certificate could be provisioned for it
type EventListenerFailed struct {
	Cluster  int
	Identity string
	Error    error
}

// EventReset is published after every queue was rewound and every
// connection closed
type EventReset struct {
	Epoch  string
	Closed int
	Failed int
}

// EventTornDown is published when an environment has released its listeners
type EventTornDown struct {
	Epoch string
}

// EventTraceChanged is published when a watched trace file changes on disk
type EventTraceChanged struct {
	Path string
}
