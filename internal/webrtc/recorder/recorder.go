package recorder

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	log "github.com/sirupsen/logrus"
)

// CheckFsPermissions verifies the spool directory accepts files with the
// configured mode. Recordings land there only when an upload fails.
func CheckFsPermissions(cfg config.Recorder) error {
	dir := path.Clean(cfg.SpoolDirectory)

	if err := checkDirectory(dir); err != nil {
		return err
	}

	fileMode, err := ParseFileMode(cfg.FileMode)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".rec-file-perm-check-*")
	if err != nil {
		return fmt.Errorf("spool directory is not writable: %w", err)
	}

	defer func() {
		_ = tmpFile.Close()
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.WithField("file", tmpFile.Name()).Warnf("could not remove permission check file: %v", err)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		return fmt.Errorf("cannot apply file mode %s: %w", cfg.FileMode, err)
	}

	return nil
}

// ValidateAndPrepareFile resolves file inside the spool directory, creating
// intermediate directories, and refuses to overwrite an existing file.
func ValidateAndPrepareFile(cfg config.Recorder, file string) (string, os.FileMode, error) {
	dir := path.Clean(cfg.SpoolDirectory)

	if err := checkDirectory(dir); err != nil {
		return "", 0, err
	}

	file = path.Clean(dir + string(os.PathSeparator) + file)
	fileDir := path.Dir(file)

	if _, err := os.Stat(fileDir); err != nil {
		if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("file directory is not accessible %s", fileDir)
		}

		dirFileMode, err := ParseFileMode(cfg.DirFileMode)
		if err != nil {
			return "", 0, err
		}

		if err := os.MkdirAll(fileDir, dirFileMode); err != nil && !os.IsExist(err) {
			return "", 0, fmt.Errorf("file directory could not be created %s", fileDir)
		}
	}

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		return "", 0, fmt.Errorf("file already exists %s", file)
	}

	fileMode, err := ParseFileMode(cfg.FileMode)
	if err != nil {
		return "", 0, err
	}

	return file, fileMode, nil
}

// SpoolArtifact writes data to name under the spool directory.
func SpoolArtifact(cfg config.Recorder, name string, data []byte) (string, error) {
	file, fileMode, err := ValidateAndPrepareFile(cfg, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(file, data, fileMode); err != nil {
		return "", fmt.Errorf("failed to spool recording: %w", err)
	}
	return file, nil
}

func ParseFileMode(mode string) (os.FileMode, error) {
	parsedFileMode, err := strconv.ParseUint(mode, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %s", mode)
	}
	return os.FileMode(parsedFileMode), nil
}

func checkDirectory(dir string) error {
	fileInfo, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("spool directory does not exist: %s", dir)
		}
		return fmt.Errorf("could not stat spool directory %s: %w", dir, err)
	}
	if !fileInfo.IsDir() {
		return fmt.Errorf("spool path is not a directory: %s", dir)
	}
	return nil
}
