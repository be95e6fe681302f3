package api

import "encoding/json"

// MediaBeginResponse ответ POST /msync/begin
type MediaBeginResponse struct {
	Data MediaBeginData `json:"data"`
	Err  string         `json:"err"`
}

// MediaBeginData полезная нагрузка begin: текущий USN медиа и короткий
// ключ, который клиент предъявляет в последующих операциях.
type MediaBeginData struct {
	Usn  int    `json:"usn"`
	Skey string `json:"sk"`
}

// MediaChangesRequest запрос POST /msync/mediaChanges
type MediaChangesRequest struct {
	LastUsn int `json:"lastUsn"`
}

// MediaChange одна запись журнала изменений медиа. На проводе —
// позиционная тройка [fname, usn, sha1]; пустой sha1 означает удаление.
type MediaChange struct {
	Fname string
	Usn   int
	Sha1  string
}

func (c MediaChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Fname, c.Usn, c.Sha1})
}

func (c *MediaChange) UnmarshalJSON(data []byte) error {
	arr := []interface{}{&c.Fname, &c.Usn, &c.Sha1}
	return json.Unmarshal(data, &arr)
}

// MediaUploadResponse ответ POST /msync/uploadChanges
type MediaUploadResponse struct {
	Data MediaUploadData `json:"data"`
	Err  string          `json:"err"`
}

// MediaUploadData число принятых изменений и USN после применения архива
type MediaUploadData struct {
	Processed  int `json:"processed"`
	CurrentUsn int `json:"current_usn"`
}

// MediaDownloadRequest запрос POST /msync/downloadFiles
type MediaDownloadRequest struct {
	Files []string `json:"files"`
}

// Результаты mediaSanity.
const (
	MediaSanityOK     = "OK"
	MediaSanityFailed = "FAILED"
)

// MediaSanityRequest запрос POST /msync/mediaSanity: клиент присылает
// своё число живых (не удалённых) файлов
type MediaSanityRequest struct {
	Local int `json:"local"`
}

// MediaSanityResponse ответ mediaSanity: "OK" либо "FAILED"
type MediaSanityResponse struct {
	Data string `json:"data"`
	Err  string `json:"err"`
}
