// Package store persists self-play training samples as parquet batches.
// Batches are written to a tmp dir and renamed into place so downstream
// trainers never observe partial files.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// TrainingRow is a single supervised training sample.
//
// State is a self-contained, raw position snapshot for a specific
// (game, ply). It is intentionally model-agnostic: trainers can featurize it
// however they like.
//
// Policy is the policy-head index of the action the search chose. Value is
// the final game outcome in [-1..1] from the side to move's perspective.
type TrainingRow struct {
	GameID      string  `parquet:"game_id,dict"`
	Ply         int32   `parquet:"ply"`
	SideToMove  string  `parquet:"side_to_move,dict"`
	StateFormat string  `parquet:"state_format,dict"`
	State       []byte  `parquet:"state"`
	Policy      int32   `parquet:"policy"`
	Value       float32 `parquet:"value"`
	RootVisits  int32   `parquet:"root_visits"`
	RootQ       float32 `parquet:"root_q"`
	Source      string  `parquet:"source,dict"`
}

// RawPosition is the canonical snapshot stored in TrainingRow.State. Board
// is row-major with '.', 'w' and 'b' cells, rank 0 first.
type RawPosition struct {
	Size       int    `json:"size"`
	Board      string `json:"board"`
	SideToMove string `json:"side_to_move"`
	Ply        int    `json:"ply"`
}

// StateFormatRawV1 identifies the RawPosition JSON encoding.
const StateFormatRawV1 = "raw_v1"

// EncodeRawPosition serializes a RawPosition for TrainingRow.State.
func EncodeRawPosition(p RawPosition) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal raw position: %w", err)
	}
	return b, nil
}

// WriteBatchAtomic writes rows as one zstd-compressed parquet file under
// outDir, going through outDir/tmp and renaming at the end. Returns the
// final path.
func WriteBatchAtomic(outDir string, rows []TrainingRow) (string, error) {
	if outDir == "" {
		return "", fmt.Errorf("outDir is required")
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows to write")
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)
	outPath := filepath.Join(absOut, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open tmp parquet: %w", err)
	}

	writer := parquet.NewGenericWriter[TrainingRow](f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
	)
	if _, err := writer.Write(rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close tmp parquet: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move parquet into place: %w", err)
	}
	return outPath, nil
}

// ReadBatch loads every row of one parquet batch, mostly for tests and
// spot checks.
func ReadBatch(path string) ([]TrainingRow, error) {
	rows, err := parquet.ReadFile[TrainingRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
