package tasks

import (
	"encoding/gob"
	"os"
)

// WriteCache persists the configure option values so later runs can reuse
// them without repeating k=v arguments.
func WriteCache(file string, options map[string]string) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	return gob.NewEncoder(handle).Encode(options)
}

// ReadCache loads option values written by WriteCache.
func ReadCache(file string) (map[string]string, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var options map[string]string
	err = gob.NewDecoder(handle).Decode(&options)
	if err != nil {
		return nil, err
	}

	return options, nil
}
