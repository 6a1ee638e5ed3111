package main

import "time"

// GlobalFlags are persistent across subcommands.
type GlobalFlags struct {
	ConfigPath string
	LogJSON    bool
	Verbose    bool
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	Names           []string
	All             bool
	Sequential      bool
	NoGateway       bool
	NoKeepAlive     bool
	KillConflicts   bool
	ForceKill       bool
	ForcePorts      bool
	AllowUnverified bool
	MetricsListen   string
	APIListen       string
	HistoryDSNs     []string
}

type AddFlags struct {
	Name    string
	Cmd     string
	Args    []string
	Env     []string
	Port    int
	Type    string
	WorkDir string
	LogPath string
}

type ListFlags struct {
	JSON bool
}

type CheckPortFlags struct {
	Server        string
	Port          int
	KillConflicts bool
	ForceKill     bool
	Grace         time.Duration
}

type StopFlags struct {
	ForceKill bool
	Grace     time.Duration
}

type LogsFlags struct {
	Server string
	Lines  int
}
