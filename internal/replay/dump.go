package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var dumpIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DumpSchemaVersion tracks the schema version for dumped replay headers.
const DumpSchemaVersion = 1

// Header is the metadata document persisted alongside a dumped replay
// bundle.
type Header struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`
	FilePointer   string `json:"file_pointer"`
}

// Manifest describes the dumped bundle's layout so operators' tooling can
// locate the compressed artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
}

// Dump writes sessionID's replay to a new directory under root, compressing
// the per-player progress-snapshot log with snappy and the finalized-stats
// frame with zstd. This is an operator-triggered side artifact: the
// authoritative replay stays in memory and is still evicted on the normal
// TTL regardless of whether it was ever dumped.
func (s *Store) Dump(root, sessionID string) (string, error) {
	rep, ok := s.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("replay: session %q not found", sessionID)
	}

	cleanedID := dumpIDCleaner.ReplaceAllString(sessionID, "")
	if cleanedID == "" {
		cleanedID = "session"
	}
	created := time.Now().UTC()
	folder := fmt.Sprintf("%s-%s", cleanedID, created.Format("20060102T150405Z"))
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	eventsPath := filepath.Join(dir, "snapshots.jsonl.sz")
	framesPath := filepath.Join(dir, "finalstats.json.zst")
	manifestPath := filepath.Join(dir, "manifest.json")
	headerPath := filepath.Join(dir, "header.json")

	if err := writeSnapshotLog(eventsPath, rep); err != nil {
		return "", err
	}
	if err := writeFinalStatsFrame(framesPath, rep); err != nil {
		return "", err
	}

	manifest := Manifest{
		Version:    1,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "snapshots.jsonl.sz",
		FramesPath: "finalstats.json.zst",
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return "", err
	}

	header := Header{SchemaVersion: DumpSchemaVersion, SessionID: sessionID, FilePointer: "manifest.json"}
	headerBytes, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(headerPath, append(headerBytes, '\n'), 0o644); err != nil {
		return "", err
	}

	s.incrementDumps()
	return dir, nil
}

func writeSnapshotLog(path string, rep Replay) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := snappy.NewBufferedWriter(file)

	for playerID, pr := range rep.Players {
		for _, snap := range pr.Snapshots {
			line := struct {
				PlayerID string           `json:"playerId"`
				Snapshot ProgressSnapshot `json:"snapshot"`
			}{PlayerID: playerID, Snapshot: snap}
			encoded, err := json.Marshal(line)
			if err != nil {
				return err
			}
			if _, err := writer.Write(append(encoded, '\n')); err != nil {
				return err
			}
		}
	}
	return writer.Flush()
}

func writeFinalStatsFrame(path string, rep Replay) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return err
	}

	frame := struct {
		SessionID string                 `json:"sessionId"`
		Text      string                 `json:"text"`
		StartTime *int64                 `json:"startTime,omitempty"`
		EndTime   *int64                 `json:"endTime,omitempty"`
		Finals    map[string]*FinalStats `json:"finalStats"`
	}{SessionID: rep.SessionID, Text: rep.Text, StartTime: rep.StartTime, EndTime: rep.EndTime, Finals: make(map[string]*FinalStats, len(rep.Players))}
	for id, pr := range rep.Players {
		if pr.Final != nil {
			frame.Finals[id] = pr.Final
		}
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := encoder.Write(payload); err != nil {
		return err
	}
	return encoder.Close()
}
