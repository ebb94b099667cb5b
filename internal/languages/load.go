package languages

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Languages []profileEntry `yaml:"languages"`
}

type profileEntry struct {
	ID         string       `yaml:"id"`
	Name       string       `yaml:"name"`
	Aliases    []string     `yaml:"aliases"`
	Image      string       `yaml:"image"`
	SourceFile string       `yaml:"source_file"`
	Compile    []string     `yaml:"compile"`
	Run        []string     `yaml:"run"`
	Limits     profileLimit `yaml:"limits"`
}

type profileLimit struct {
	CPUTime        time.Duration `yaml:"cpu_time"`
	WallTimeout    time.Duration `yaml:"wall_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	MemoryMB       int64         `yaml:"memory_mb"`
	AddressSpaceMB int64         `yaml:"address_space_mb"`
	OutputBytes    int64         `yaml:"output_bytes"`
	MaxProcesses   int           `yaml:"max_processes"`
	FileSizeMB     int64         `yaml:"file_size_mb"`
}

// LoadFile reads additional runner profiles from a YAML file.
func LoadFile(path string) ([]Language, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading language profiles: %w", err)
	}
	return Parse(data)
}

// Parse decodes runner profiles from YAML and checks each one is runnable.
func Parse(data []byte) ([]Language, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing language profiles: %w", err)
	}

	langs := make([]Language, 0, len(f.Languages))
	seen := make(map[string]bool)
	for i, e := range f.Languages {
		if e.ID == "" {
			return nil, fmt.Errorf("language profile %d: id is required", i)
		}
		if e.SourceFile == "" {
			return nil, fmt.Errorf("language %q: source_file is required", e.ID)
		}
		if len(e.Run) == 0 {
			return nil, fmt.Errorf("language %q: run command is required", e.ID)
		}
		id := normalize(e.ID)
		if seen[id] {
			return nil, fmt.Errorf("language %q: defined twice", e.ID)
		}
		seen[id] = true

		langs = append(langs, Language{
			ID:      id,
			Name:    e.Name,
			Aliases: e.Aliases,
			Config: RuntimeConfig{
				Image:          e.Image,
				SourceFile:     e.SourceFile,
				CompileCommand: e.Compile,
				RunCommand:     e.Run,
			},
			Limits: Limits{
				CPUTime:           e.Limits.CPUTime,
				WallTimeout:       e.Limits.WallTimeout,
				CompileTimeout:    e.Limits.CompileTimeout,
				MemoryBytes:       e.Limits.MemoryMB << 20,
				AddressSpaceBytes: e.Limits.AddressSpaceMB << 20,
				OutputBytes:       e.Limits.OutputBytes,
				MaxProcesses:      e.Limits.MaxProcesses,
				FileSizeBytes:     e.Limits.FileSizeMB << 20,
			},
		})
	}
	return langs, nil
}
