package media

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/iudanet/ankisyncd/internal/models"
)

// maxFilenameLength предел длины имени на сервере.
const maxFilenameLength = 255

// NormalizeName приводит имя медиафайла к серверной форме: NFC,
// без компонентов пути. Клиенты на разных платформах присылают имена в
// разных юникод-нормализациях, на диске храним одну.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(name)

	// компоненты пути отбрасываются: имя не должно выводить за каталог
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid media filename", models.ErrBadRequest)
	}
	if len(name) > maxFilenameLength {
		return "", fmt.Errorf("%w: media filename too long", models.ErrBadRequest)
	}
	return name, nil
}

// sha1Hex возвращает hex-дайджест содержимого файла.
func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// writeFile кладёт файл в каталог медиа через временный файл и rename:
// читатель никогда не увидит недописанное содержимое.
func writeFile(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp media file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to place media file: %w", err)
	}
	return nil
}

// removeFile удаляет файл; отсутствие файла ошибкой не считается.
func removeFile(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove media file: %w", err)
	}
	return nil
}

// readFile читает файл из каталога медиа.
func readFile(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read media file: %w", err)
	}
	return data, nil
}
