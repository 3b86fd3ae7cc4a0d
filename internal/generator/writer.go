package generator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Dataset file names inside an output directory.
const (
	AccountsFile  = "accounts.json"
	BlacklistFile = "blacklist.json"
)

// WriteDataset writes accounts.json and blacklist.json under dir.
func WriteDataset(dataset Dataset, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, AccountsFile), dataset.Accounts); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, BlacklistFile), dataset.Blacklist)
}

// ReadDataset loads a dataset previously written by WriteDataset. A missing
// blacklist file yields an empty blacklist.
func ReadDataset(dir string) (Dataset, error) {
	var ds Dataset
	if err := readJSON(filepath.Join(dir, AccountsFile), &ds.Accounts); err != nil {
		return Dataset{}, err
	}
	err := readJSON(filepath.Join(dir, BlacklistFile), &ds.Blacklist)
	if err != nil && !os.IsNotExist(err) {
		return Dataset{}, err
	}
	return ds, nil
}

func writeJSON(path string, data any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode json for %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, target any) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := json.NewDecoder(file).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
