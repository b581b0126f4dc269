package manager

import "time"

// MonitorInfo is the public projection of a monitor.
type MonitorInfo struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	PID         int               `json:"pid,omitempty"`
	Command     []string          `json:"command"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env,omitempty"`
	Started     *time.Time        `json:"started,omitempty"`
	Restarts    int               `json:"restarts"`
	MaxRestarts int               `json:"maxRestarts"`
	SleepMs     int               `json:"sleepMs"`
	Logfile     string            `json:"logfile,omitempty"`
	LastExit    string            `json:"lastExit,omitempty"`
}
