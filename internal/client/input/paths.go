// Package input turns command-line paths into the single stream a
// compression job uploads.
package input

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
	Size     int64 // zero for directories
}

// ParseArgs cleans and stats every argument. Only regular files and
// directories are accepted.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		switch {
		case info.IsDir():
			out = append(out, ParsedPath{FullPath: p, Kind: PathDir})
		case info.Mode().IsRegular():
			out = append(out, ParsedPath{FullPath: p, Kind: PathFile, Size: info.Size()})
		default:
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
		}
	}

	return out, nil
}
