package evm

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABIFile is one parsed ABI and where it came from.
type ABIFile struct {
	Path string
	ABI  *abi.ABI
}

// Events returns the file's events ordered by name.
func (f ABIFile) Events() []abi.Event {
	out := make([]abi.Event, 0, len(f.ABI.Events))
	for _, name := range slices.Sorted(maps.Keys(f.ABI.Events)) {
		out = append(out, f.ABI.Events[name])
	}
	return out
}

// LoadABIs parses every .json file under dirs. A file is either a bare ABI
// array or a build artifact (hardhat, foundry) with an "abi" field. Files
// come back ordered by path so lookups are deterministic.
func LoadABIs(dirs []string) ([]ABIFile, error) {
	var files []ABIFile
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".json") {
				return nil
			}
			a, err := readABI(path)
			if err != nil {
				return err
			}
			files = append(files, ABIFile{Path: path, ABI: a})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.SortFunc(files, func(a, b ABIFile) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

func readABI(path string) (*abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", path, err)
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact %s has no abi field", path)
		}
		data = artifact.ABI
	}
	a, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return &a, nil
}

// FindEvent looks an event up by name, or by full signature when sig has
// an argument list, in the first file that declares it.
func FindEvent(files []ABIFile, sig string) (*abi.Event, bool) {
	name, full := eventName(sig), strings.Contains(sig, "(")
	canonical := strings.ReplaceAll(sig, " ", "")
	for _, f := range files {
		for _, ev := range f.Events() {
			if ev.RawName != name && ev.Name != name {
				continue
			}
			if full && ev.Sig != canonical {
				continue
			}
			return &ev, true
		}
	}
	return nil, false
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return strings.TrimSpace(signature[:i])
	}
	return strings.TrimSpace(signature)
}

// syntheticEvent builds an event from a bare signature such as
// Transfer(address,address,uint256). Nothing is indexed; arguments are
// named arg0, arg1 and so on.
func syntheticEvent(signature string) (*abi.Event, error) {
	open, end := strings.Index(signature, "("), strings.LastIndex(signature, ")")
	if open <= 0 || end <= open {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := strings.TrimSpace(signature[:open])
	var args abi.Arguments
	for _, raw := range strings.Split(signature[open+1:end], ",") {
		typ := strings.TrimSpace(raw)
		if typ == "" {
			continue
		}
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", typ, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", len(args)), Type: t})
	}
	ev := abi.NewEvent(name, name, false, args)
	return &ev, nil
}

func splitIndexed(args abi.Arguments) (indexed, plain abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
			continue
		}
		plain = append(plain, a)
	}
	return indexed, plain
}
