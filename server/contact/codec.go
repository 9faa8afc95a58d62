package contact

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codecVersion is written into every encoded contact set.
const codecVersion = 1

// legacySeparator splits the "name|number" tokens of the older string-set format.
const legacySeparator = "|"

// storedSet is the durable representation of a contact set.
type storedSet struct {
	Version  int               `json:"version"`
	Contacts []json.RawMessage `json:"contacts"`
}

// Encode serializes records into the versioned JSON document stored in the KV store.
func Encode(records []Record) ([]byte, error) {
	set := storedSet{
		Version:  codecVersion,
		Contacts: make([]json.RawMessage, 0, len(records)),
	}

	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal contact %s: %w", record.Number, err)
		}
		set.Contacts = append(set.Contacts, data)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact set: %w", err)
	}

	return data, nil
}

// Decode parses a stored contact set. Each entry is decoded on its own and
// entries that fail to parse, fail validation or repeat an earlier number are
// dropped; the number of dropped entries is returned alongside the records.
// Both the versioned document and the legacy "name|number" token list are
// accepted. An error is returned only when the document itself is unreadable.
func Decode(data []byte) ([]Record, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}

	var set storedSet
	if err := json.Unmarshal(data, &set); err == nil {
		return decodeEntries(set.Contacts)
	}

	var tokens []string
	if err := json.Unmarshal(data, &tokens); err == nil {
		return decodeLegacy(tokens)
	}

	return nil, 0, fmt.Errorf("failed to decode contact set: %w", ErrCorruptEntry)
}

func decodeEntries(entries []json.RawMessage) ([]Record, int, error) {
	records := make([]Record, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	dropped := 0

	for _, entry := range entries {
		var record Record
		if err := json.Unmarshal(entry, &record); err != nil || !IsCanonical(record.Number) || seen[record.Number] {
			dropped++
			continue
		}

		seen[record.Number] = true
		records = append(records, record)
	}

	return records, dropped, nil
}

func decodeLegacy(tokens []string) ([]Record, int, error) {
	records := make([]Record, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	dropped := 0

	for _, token := range tokens {
		parts := strings.Split(token, legacySeparator)
		if len(parts) != 2 || !IsCanonical(parts[1]) || seen[parts[1]] {
			dropped++
			continue
		}

		seen[parts[1]] = true
		records = append(records, Record{Name: parts[0], Number: parts[1]})
	}

	return records, dropped, nil
}
