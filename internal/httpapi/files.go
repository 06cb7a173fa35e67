package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"parley/internal/filestore"
	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

type fileDirectory interface {
	Find(username string) bool
}

type fileStorage interface {
	UpsertFileRecord(record models.FileRecord) error
	GetFileRecord(id string) (models.FileRecord, error)
}

type fileAnnouncer interface {
	AnnounceFile()
}

// Handlers implements the file upload/download surface. The routing
// engine's only involvement is the AnnounceFile call after a record is
// persisted; file bytes never pass through the hub.
type Handlers struct {
	directory fileDirectory
	storage   fileStorage
	files     filestore.Store
	hub       fileAnnouncer
	maxUpload int64
	now       func() time.Time
}

func NewHandlers(dir fileDirectory, storage fileStorage, files filestore.Store, hub fileAnnouncer, maxUpload int64) *Handlers {
	return &Handlers{
		directory: dir,
		storage:   storage,
		files:     files,
		hub:       hub,
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

type UploadResponse struct {
	Success  bool   `json:"success"`
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

// UploadFileHandler accepts a multipart upload (fields: file, sender,
// receiver optional), stores the bytes content-addressed, persists the
// file record, and has the hub refresh everyone's file list.
func (h *Handlers) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	sender := r.FormValue("sender")
	if sender == "" || !h.directory.Find(sender) {
		http.Error(w, "Unknown sender", http.StatusForbidden)
		return
	}

	receiver := r.FormValue("receiver")
	if receiver != "" && !h.directory.Find(receiver) {
		http.Error(w, "Unknown receiver", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusInternalServerError)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	mimeType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	if err := h.files.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("failed to store upload: %v", err)
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	record := models.FileRecord{
		ID:          uuid.NewString(),
		FileName:    header.Filename,
		StoragePath: hash,
		Sender:      sender,
		Receiver:    receiver,
		Timestamp:   h.now().UnixMilli(),
	}

	if err := h.storage.UpsertFileRecord(record); err != nil {
		log.Printf("failed to persist file record: %v", err)
		http.Error(w, "Failed to persist file record", http.StatusInternalServerError)
		return
	}

	h.hub.AnnounceFile()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(UploadResponse{
		Success:  true,
		ID:       record.ID,
		FileName: record.FileName,
		MimeType: mimeType,
	}); err != nil {
		log.Printf("failed to encode upload response: %v", err)
	}
}

// DownloadFileHandler streams a stored file by record ID. The content type
// is sniffed from the stored bytes rather than trusted from upload time.
func (h *Handlers) DownloadFileHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	record, err := h.storage.GetFileRecord(id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("failed to load file record %s: %v", id, err)
		http.Error(w, "Failed to load file record", http.StatusInternalServerError)
		return
	}

	rc, err := h.files.Open(record.StoragePath)
	if err != nil {
		log.Printf("failed to open stored file %s: %v", record.StoragePath, err)
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer func() { _ = rc.Close() }()

	// filetype needs at most the first 261 bytes.
	head := make([]byte, 261)
	n, _ := io.ReadFull(rc, head)

	mimeType := "application/octet-stream"
	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.FileName))

	if _, err := w.Write(head[:n]); err != nil {
		return
	}
	_, _ = io.Copy(w, rc)
}
