package changeset

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
)

const noHash = "-"

// Encode writes cs in the line-oriented change-set format: a header of
// "key value" lines followed by one line per entry,
// "<status-code> <new-hash|-> <previous-hash|-> <path>".
func Encode(w io.Writer, cs *drift.ChangeSet) error {
	if err := checkSingleLine("definition", cs.DefinitionName); err != nil {
		return err
	}
	if err := checkSingleLine("base directory", cs.BaseDirectory.Path); err != nil {
		return err
	}
	for _, e := range cs.Entries {
		if err := checkSingleLine("path", e.Path); err != nil {
			return err
		}
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "category %s\n", cs.Category)
	fmt.Fprintf(bw, "definition %s\n", cs.DefinitionName)
	fmt.Fprintf(bw, "basedir %s %s\n", cs.BaseDirectory.Context, cs.BaseDirectory.Path)
	fmt.Fprintf(bw, "version %d\n", cs.Version)
	fmt.Fprintf(bw, "mode %s\n", modeOrDefault(cs.Mode))
	fmt.Fprintf(bw, "pinned %t\n", cs.Pinned)
	fmt.Fprintf(bw, "created %s\n", cs.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(bw, "entries %d\n", len(cs.Entries))
	for _, e := range cs.Entries {
		fmt.Fprintf(bw, "%s %s %s %s\n", e.Status.Code(), dash(e.NewHash), dash(e.PreviousHash), e.Path)
	}
	return bw.Flush()
}

func checkSingleLine(field, value string) error {
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("%s %q contains a line break", field, value)
	}
	return nil
}

// Decode parses a change-set written by Encode. The resource id is not
// part of the file; callers set it from the store layout.
func Decode(r io.Reader) (*drift.ChangeSet, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	cs := &drift.ChangeSet{}
	count := -1
	lineNo := 0
	for count < 0 && sc.Scan() {
		lineNo++
		key, value, _ := strings.Cut(sc.Text(), " ")
		var err error
		switch key {
		case "category":
			cs.Category = drift.Category(value)
			if cs.Category != drift.CategoryCoverage && cs.Category != drift.CategoryDrift {
				err = fmt.Errorf("unknown category %q", value)
			}
		case "definition":
			cs.DefinitionName = value
		case "basedir":
			ctxName, path, _ := strings.Cut(value, " ")
			cs.BaseDirectory = drift.BaseDirectory{Context: drift.BaseDirContext(ctxName), Path: path}
		case "version":
			cs.Version, err = strconv.Atoi(value)
		case "mode":
			cs.Mode = drift.HandlingMode(value)
		case "pinned":
			cs.Pinned, err = strconv.ParseBool(value)
		case "created":
			cs.CreatedAt, err = time.Parse(time.RFC3339Nano, value)
		case "entries":
			count, err = strconv.Atoi(value)
			if err == nil && count < 0 {
				err = fmt.Errorf("negative entry count")
			}
		default:
			err = fmt.Errorf("unknown header %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if count < 0 {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("truncated header")
	}

	cs.Entries = make([]drift.FileEntry, 0, count)
	for sc.Scan() {
		lineNo++
		e, err := parseEntry(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cs.Entries = append(cs.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(cs.Entries) != count {
		return nil, fmt.Errorf("header announces %d entries, found %d", count, len(cs.Entries))
	}
	return cs, nil
}

func parseEntry(line string) (drift.FileEntry, error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 || fields[3] == "" {
		return drift.FileEntry{}, fmt.Errorf("malformed entry %q", line)
	}
	status, err := drift.ParseStatusCode(fields[0])
	if err != nil {
		return drift.FileEntry{}, err
	}
	e := drift.FileEntry{
		Status:       status,
		NewHash:      undash(fields[1]),
		PreviousHash: undash(fields[2]),
		Path:         fields[3],
	}
	switch {
	case status == drift.StatusAdd && (e.NewHash == "" || e.PreviousHash != ""):
		return e, fmt.Errorf("ADD entry for %q must carry only a new hash", e.Path)
	case status == drift.StatusDelete && (e.NewHash != "" || e.PreviousHash == ""):
		return e, fmt.Errorf("DELETE entry for %q must carry only a previous hash", e.Path)
	case status == drift.StatusModify && (e.NewHash == "" || e.PreviousHash == ""):
		return e, fmt.Errorf("MODIFY entry for %q must carry both hashes", e.Path)
	}
	return e, nil
}

func dash(h string) string {
	if h == "" {
		return noHash
	}
	return h
}

func undash(h string) string {
	if h == noHash {
		return ""
	}
	return h
}

func modeOrDefault(m drift.HandlingMode) drift.HandlingMode {
	if m == "" {
		return drift.ModeNormal
	}
	return m
}
