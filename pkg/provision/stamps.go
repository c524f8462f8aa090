package provision

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// stampsFile records which toolchain deps are already unpacked in an
// environment, keyed by dep name with url#sha256 as the value.
const stampsFile = ".stamps.json"

// readStamps loads the stamps file of an environment root. A missing file
// yields an empty map.
func readStamps(root string) (map[string]string, error) {
	stamps := map[string]string{}
	stampPath := filepath.Join(root, stampsFile)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to read stamps file %s", stampPath)
		}
		return stamps, nil
	}

	err = json.Unmarshal(stampData, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse stamps file %s", stampPath)
	}

	return stamps, nil
}

func writeStamps(root string, stamps map[string]string) error {
	stampPath := filepath.Join(root, stampsFile)
	stampData, err := json.Marshal(stamps)
	if err != nil {
		return eris.Wrap(err, "failed to serialize stamps")
	}

	err = os.WriteFile(stampPath, stampData, 0o660)
	if err != nil {
		return eris.Wrapf(err, "failed to write stamps file %s", stampPath)
	}
	return nil
}
