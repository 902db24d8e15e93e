package main

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigDir string
	LogLevel  string
}

// RegisterFlags holds flags for the register command.
type RegisterFlags struct {
	Path        string
	DisplayName string
}

// UnregisterFlags holds flags for the unregister command.
type UnregisterFlags struct {
	ID string
}

// ScanFlags holds flags for the scan command.
type ScanFlags struct {
	Dir string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	ID string
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	ID    string
	Limit int
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ScanDir string
}
