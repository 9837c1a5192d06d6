package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// ReadDataFile reads a whole file from fs.
func ReadDataFile(fs afero.Fs, filePath string) ([]byte, error) {
	data, err := afero.ReadFile(fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading data file %s: %w", filePath, err)
	}
	return data, nil
}

// WriteDataFile replaces a file on fs, creating its directory when needed.
// The data is written to a sibling temp file first and renamed into place.
func WriteDataFile(fs afero.Fs, filePath string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", filePath, err)
	}
	tmp := filePath + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing data file %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("error replacing data file %s: %w", filePath, err)
	}
	return nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(fs afero.Fs, filename string, logger *zap.SugaredLogger) bool {
	info, err := fs.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("File does not exist: %s", filename)
			return false
		}
		logger.Infof("Error checking file %s for existence: %s", filename, err)
		return false
	}
	return !info.IsDir()
}

// EncodeBSON encodes a document into BSON.
func EncodeBSON(doc any) ([]byte, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return data, nil
}

// DecodeBSON decodes BSON into out, which must be a pointer.
func DecodeBSON(data []byte, out any) error {
	if err := bson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error decoding BSON: %w", err)
	}
	return nil
}
