package languages

import "time"

// RuntimeConfig describes how a language is compiled and run. Commands are
// templates: "{source}" expands to SourceFile and "{dir}" to the workspace
// path as seen by the sandbox driver.
type RuntimeConfig struct {
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
}

// Limits bounds a single submission. Zero fields are filled from the
// registry defaults when the profile is registered.
type Limits struct {
	CPUTime        time.Duration
	WallTimeout    time.Duration
	CompileTimeout time.Duration
	MemoryBytes    int64
	OutputBytes    int64
	MaxProcesses   int
	FileSizeBytes  int64

	// AddressSpaceBytes is the RLIMIT_AS for runtimes that reserve far more
	// virtual memory than they touch. Zero means MemoryBytes.
	AddressSpaceBytes int64
}

type Language struct {
	ID      string
	Name    string
	Aliases []string
	Config  RuntimeConfig
	Limits  Limits
}

func (l Language) Compiled() bool {
	return len(l.Config.CompileCommand) > 0
}

// Deadline is the longest a submission of this language may run end to end,
// excluding time spent queued.
func (l Language) Deadline() time.Duration {
	d := l.Limits.WallTimeout
	if l.Compiled() {
		d += l.Limits.CompileTimeout
	}
	return d
}

func (l Limits) withDefaults(def Limits) Limits {
	if l.CPUTime == 0 {
		l.CPUTime = def.CPUTime
	}
	if l.WallTimeout == 0 {
		l.WallTimeout = def.WallTimeout
	}
	if l.CompileTimeout == 0 {
		l.CompileTimeout = def.CompileTimeout
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = def.MemoryBytes
	}
	if l.OutputBytes == 0 {
		l.OutputBytes = def.OutputBytes
	}
	if l.MaxProcesses == 0 {
		l.MaxProcesses = def.MaxProcesses
	}
	if l.FileSizeBytes == 0 {
		l.FileSizeBytes = def.FileSizeBytes
	}
	if l.AddressSpaceBytes == 0 {
		l.AddressSpaceBytes = def.AddressSpaceBytes
	}
	if l.AddressSpaceBytes == 0 {
		l.AddressSpaceBytes = l.MemoryBytes
	}
	return l
}
