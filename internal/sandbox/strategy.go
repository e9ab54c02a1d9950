package sandbox

import "strings"

// Strategy turns a mounted script into the argv the sandbox runs.
// Strategies only build command lines; they never execute anything.
type Strategy interface {
	Name() string
	Command(scriptPath string) []string
	NeedsNetwork() bool
}

// Direct runs the script with the sandbox's own interpreter.
type Direct struct {
	Interpreter string
}

func (d Direct) Name() string { return "direct" }

func (d Direct) Command(scriptPath string) []string {
	return []string{d.Interpreter, scriptPath}
}

func (d Direct) NeedsNetwork() bool { return false }

// PythonVenvInstall creates a fresh virtualenv under the writable /tmp
// mount, installs the manifest into it and runs the script with the
// venv's interpreter. The system interpreter is externally managed, so
// installing into it is not an option.
type PythonVenvInstall struct {
	ManifestPath string
}

func (p PythonVenvInstall) Name() string { return "python-venv" }

func (p PythonVenvInstall) Command(scriptPath string) []string {
	steps := []string{
		"python3 -m venv " + shellQuote(VenvDir),
		shellQuote(VenvDir+"/bin/pip") + " install --quiet --no-cache-dir --disable-pip-version-check -r " + shellQuote(p.ManifestPath),
		"exec " + shellQuote(VenvDir+"/bin/python") + " " + shellQuote(scriptPath),
	}
	return []string{"/bin/sh", "-c", strings.Join(steps, " && ")}
}

// pip needs to reach the package index.
func (p PythonVenvInstall) NeedsNetwork() bool { return true }

// StrategyFor picks the strategy for a language. manifestPath is empty
// when there are no dependencies.
func StrategyFor(lang Language, manifestPath string) Strategy {
	if lang == Bash {
		return Direct{Interpreter: "bash"}
	}
	if manifestPath == "" {
		return Direct{Interpreter: "python3"}
	}
	return PythonVenvInstall{ManifestPath: manifestPath}
}

// CommandFor returns the argv for running scriptPath.
func CommandFor(lang Language, scriptPath, manifestPath string) []string {
	return StrategyFor(lang, manifestPath).Command(scriptPath)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
