package main

// GlobalFlags holds the persistent path flags
type GlobalFlags struct {
	PsyPath    string
	SockFile   string
	PidFile    string
	StateFile  string
	ConfigPath string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Name        string
	Logfile     string
	Cwd         string
	Env         []string
	MaxRestarts int
	SleepMs     int
}

type ListFlags struct {
	Format string
}

type LogFlags struct {
	Last   string
	Range  string
	Follow bool
}

type HistoryFlags struct {
	Limit  int
	Format string
}

type ServerFlags struct {
	Autoclose bool
	ReadyFD   int
}
