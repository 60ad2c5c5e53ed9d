package helper

import (
	"os"
	"path/filepath"
)

// Mode describes how a located helper build is invoked.
type Mode int

const (
	// ModeUnavailable means no usable helper installation was found.
	ModeUnavailable Mode = iota
	// ModeExecutable points at a ready-to-run helper binary.
	ModeExecutable
	// ModeProject points at the helper project file, run via the SDK
	// ("dotnet run --project").
	ModeProject
)

func (m Mode) String() string {
	switch m {
	case ModeExecutable:
		return "executable"
	case ModeProject:
		return "project"
	default:
		return "unavailable"
	}
}

// Descriptor is the resolved way to start the helper.
type Descriptor struct {
	Mode Mode
	Path string
}

// Candidate executable names. The helper ships as a Windows build but tests
// and dev setups run the bare binary name.
var helperNames = []string{"HuellaHelper.exe", "HuellaHelper"}

// executableLayouts lists the install layouts checked for a helper binary,
// highest priority first. Self-contained publish outputs come before
// framework-dependent builds: they run without a separately installed .NET
// runtime, so they are the most likely to work unattended on a staff machine.
var executableLayouts = []string{
	filepath.Join("bin", "Release", "net8.0", "win-x64", "publish"),
	filepath.Join("bin", "Release", "net7.0", "win-x64", "publish"),
	filepath.Join("bin", "Release", "net8.0"),
	filepath.Join("bin", "Release", "net7.0"),
}

const projectFile = "HuellaHelper.csproj"

// Locate resolves which installed helper build to invoke, by fixed priority
// order over the known layouts under root. It is a pure stat check and is
// cheap enough to run on every request; results are deliberately not cached
// so an in-place helper upgrade takes effect without restarting the agent.
func Locate(root string) Descriptor {
	for _, layout := range executableLayouts {
		for _, name := range helperNames {
			path := filepath.Join(root, layout, name)
			if isRegularFile(path) {
				return Descriptor{Mode: ModeExecutable, Path: path}
			}
		}
	}

	if path := filepath.Join(root, projectFile); isRegularFile(path) {
		return Descriptor{Mode: ModeProject, Path: path}
	}

	return Descriptor{Mode: ModeUnavailable}
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
