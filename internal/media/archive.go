package media

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/iudanet/ankisyncd/internal/models"
)

// Лимиты одного архива выгрузки: клиент дозапрашивает остаток.
const (
	maxFilesInZip  = 25
	targetZipBytes = int64(2.5 * 1024 * 1024)
)

// metaEntryName имя служебной записи архива со списком файлов.
const metaEntryName = "_meta"

// UploadEntry одно изменение из архива загрузки. Data == nil означает
// удаление файла.
type UploadEntry struct {
	Fname string
	Data  []byte
}

// FileData файл для архива выгрузки.
type FileData struct {
	Name string
	Data []byte
}

// ParseUploadArchive разбирает zip-архив загрузки. Запись _meta содержит
// список пар [имя-члена, имя-файла]; пустое имя файла означает удаление,
// и тогда имя-члена несёт само имя удаляемого файла. Суммарный
// распакованный размер ограничен maxBytes.
func ParseUploadArchive(data []byte, maxBytes int64) ([]UploadEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed media archive", models.ErrBadRequest)
	}

	var declared int64
	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		declared += int64(f.UncompressedSize64)
		members[f.Name] = f
	}
	if declared > maxBytes {
		return nil, fmt.Errorf("%w: media archive too large", models.ErrBadRequest)
	}

	metaFile, ok := members[metaEntryName]
	if !ok {
		return nil, fmt.Errorf("%w: media archive without _meta", models.ErrBadRequest)
	}
	metaData, err := readMember(metaFile, maxBytes)
	if err != nil {
		return nil, err
	}

	var meta [][]string
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("%w: malformed _meta: %s", models.ErrBadRequest, err)
	}

	entries := make([]UploadEntry, 0, len(meta))
	for _, pair := range meta {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: malformed _meta entry", models.ErrBadRequest)
		}
		member, realname := pair[0], pair[1]

		if realname == "" {
			entries = append(entries, UploadEntry{Fname: member})
			continue
		}

		f, ok := members[member]
		if !ok {
			return nil, fmt.Errorf("%w: _meta references missing member %q", models.ErrBadRequest, member)
		}
		body, err := readMember(f, maxBytes)
		if err != nil {
			return nil, err
		}
		entries = append(entries, UploadEntry{Fname: realname, Data: body})
	}
	return entries, nil
}

func readMember(f *zip.File, maxBytes int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable archive member", models.ErrBadRequest)
	}
	defer rc.Close()

	// заявленный размер уже проверен, LimitReader страхует от подделки
	body, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable archive member", models.ErrBadRequest)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: media archive too large", models.ErrBadRequest)
	}
	return body, nil
}

// BuildDownloadArchive собирает zip с файлами и записью _meta вида
// [[имя-члена, имя-файла], ...]. Имена членов — десятичные индексы.
// Архив обрезается по лимитам размера и числа файлов; клиент повторяет
// запрос за остатком.
func BuildDownloadArchive(files []FileData) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta := [][]string{}
	var total int64
	for i, f := range files {
		member := strconv.Itoa(i)
		w, err := zw.CreateHeader(&zip.FileHeader{Name: member, Method: zip.Store})
		if err != nil {
			return nil, fmt.Errorf("failed to create archive member: %w", err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write archive member: %w", err)
		}
		meta = append(meta, []string{member, f.Name})

		total += int64(len(f.Data))
		if total > targetZipBytes || len(meta) >= maxFilesInZip {
			break
		}
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode _meta: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: metaEntryName, Method: zip.Store})
	if err != nil {
		return nil, fmt.Errorf("failed to create _meta member: %w", err)
	}
	if _, err := w.Write(metaData); err != nil {
		return nil, fmt.Errorf("failed to write _meta member: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
