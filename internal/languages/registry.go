package languages

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrLanguageNotFound = errors.New("language not supported")
)

// Registry maps language identifiers to runner profiles. It is built once
// and never mutated afterwards, so lookups need no locking.
type Registry struct {
	languages map[string]Language
	aliases   map[string]string
}

// NewRegistry builds the registry from the built-in profiles followed by
// extra, which override built-ins with the same ID. Limits left at zero in
// any profile are taken from defaults.
func NewRegistry(defaults Limits, extra ...Language) *Registry {
	r := &Registry{
		languages: make(map[string]Language),
		aliases:   make(map[string]string),
	}
	for _, lang := range builtinLanguages() {
		r.register(lang, defaults)
	}
	for _, lang := range extra {
		r.register(lang, defaults)
	}
	return r
}

func (r *Registry) register(lang Language, defaults Limits) {
	lang.ID = normalize(lang.ID)
	lang.Limits = lang.Limits.withDefaults(defaults)
	if lang.Name == "" {
		lang.Name = lang.ID
	}
	r.languages[lang.ID] = lang
	for _, alias := range lang.Aliases {
		r.aliases[normalize(alias)] = lang.ID
	}
}

// Get resolves a language identifier or alias. Unknown identifiers return
// ErrLanguageNotFound.
func (r *Registry) Get(id string) (Language, error) {
	key := normalize(id)
	if lang, ok := r.languages[key]; ok {
		return lang, nil
	}
	if target, ok := r.aliases[key]; ok {
		if lang, ok := r.languages[target]; ok {
			return lang, nil
		}
	}
	return Language{}, ErrLanguageNotFound
}

func (r *Registry) List() []Language {
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.languages))
	for id := range r.languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func builtinLanguages() []Language {
	return []Language{
		{
			ID:      "python",
			Name:    "Python",
			Aliases: []string{"py", "python3"},
			Config: RuntimeConfig{
				Image:      "python:3.12-slim",
				SourceFile: "main.py",
				RunCommand: []string{"python3", "-u", "{source}"},
			},
		},
		{
			ID:   "c",
			Name: "C",
			Config: RuntimeConfig{
				Image:          "gcc:13",
				SourceFile:     "main.c",
				CompileCommand: []string{"gcc", "{source}", "-O2", "-std=c17", "-o", "main", "-lm"},
				RunCommand:     []string{"./main"},
			},
		},
		{
			ID:      "cpp",
			Name:    "C++",
			Aliases: []string{"c++", "cxx"},
			Config: RuntimeConfig{
				Image:          "gcc:13",
				SourceFile:     "main.cpp",
				CompileCommand: []string{"g++", "{source}", "-O2", "-std=c++17", "-o", "main"},
				RunCommand:     []string{"./main"},
			},
			Limits: Limits{
				// cc1plus needs more address space than the run step
				MemoryBytes: 512 << 20,
			},
		},
		{
			ID:      "javascript",
			Name:    "JavaScript",
			Aliases: []string{"js", "node"},
			Config: RuntimeConfig{
				Image:      "node:22-slim",
				SourceFile: "main.js",
				RunCommand: []string{"node", "--max-old-space-size={memory_mb}", "{source}"},
			},
			Limits: Limits{
				// V8 reserves a large virtual range up front
				AddressSpaceBytes: 4 << 30,
			},
		},
	}
}
