package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/httpapi"
	"parley/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testAddr = "127.0.0.1:8899"

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not start at %s", url)
}

func dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", testAddr), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame models.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("PARLEY_DB", filepath.Join(tmpDir, "integration_test.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(tmpDir, "uploads"))
	t.Setenv("API_ADDR", testAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	// Any HTTP response means the listener is up; the ID does not exist.
	waitForServer(t, fmt.Sprintf("http://%s/api/files/none", testAddr), 30)

	// Step 1: alice registers and logs in.
	alice := dialWS(t)

	send(t, alice, map[string]any{"type": "register", "username": "alice", "password": "pw-alice"})
	frame := readFrame(t, alice)
	require.Equal(t, models.FrameTypeRegister, frame.Type)
	require.Equal(t, models.StatusSuccess, frame.Status)

	send(t, alice, map[string]any{"type": "login", "username": "alice", "password": "pw-alice"})
	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeLogin, frame.Type)
	require.Equal(t, models.StatusSuccess, frame.Status)

	// No history yet, so the next frame is the presence broadcast.
	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeUserStatusUpdate, frame.Type)
	require.Equal(t, models.PresenceOnline, frame.Users["alice"])

	// Step 2: bob registers; alice, being connected, sees the new user.
	bob := dialWS(t)

	send(t, bob, map[string]any{"type": "register", "username": "bob", "password": "pw-bob"})
	frame = readFrame(t, bob)
	require.Equal(t, models.StatusSuccess, frame.Status)

	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeUserList, frame.Type)
	require.Equal(t, models.PresenceOffline, frame.Users["bob"])

	// Step 3: bob logs in; both sides observe the status flip.
	send(t, bob, map[string]any{"type": "login", "username": "bob", "password": "pw-bob"})
	frame = readFrame(t, bob)
	require.Equal(t, models.StatusSuccess, frame.Status)
	frame = readFrame(t, bob)
	require.Equal(t, models.FrameTypeUserStatusUpdate, frame.Type)

	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeUserStatusUpdate, frame.Type)
	require.Equal(t, models.PresenceOnline, frame.Users["bob"])

	// Step 4: directed message alice -> bob, echoed to alice.
	send(t, alice, map[string]any{"type": "message", "receiver": "bob", "content": "hello bob"})

	frame = readFrame(t, bob)
	require.Equal(t, models.FrameTypeMessage, frame.Type)
	require.Equal(t, "alice", frame.Sender)
	require.Equal(t, "bob", frame.Receiver)
	require.Equal(t, "hello bob", frame.Content)
	require.NotZero(t, frame.Timestamp)

	echo := readFrame(t, alice)
	require.Equal(t, frame, echo)

	// Step 5: broadcast from bob reaches everyone exactly once.
	send(t, bob, map[string]any{"type": "message", "content": "hello everyone"})

	frame = readFrame(t, alice)
	require.Equal(t, "hello everyone", frame.Content)
	require.Empty(t, frame.Receiver)

	frame = readFrame(t, bob)
	require.Equal(t, "hello everyone", frame.Content)

	// Step 6: paginated history for alice contains both messages in order.
	send(t, alice, map[string]any{"type": "history", "page": 0, "size": 10})
	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeHistory, frame.Type)
	require.Len(t, frame.Messages, 2)
	require.Equal(t, "hello bob", frame.Messages[0].Content)
	require.Equal(t, "hello everyone", frame.Messages[1].Content)

	// Step 7: alice uploads a file; both connected users get a fileList.
	fileID := uploadFile(t, "alice", "", "report.txt", []byte("attachment-bytes"))

	frame = readFrame(t, alice)
	require.Equal(t, models.FrameTypeFileList, frame.Type)
	require.Len(t, frame.Files, 1)
	require.Equal(t, fileID, frame.Files[0].ID)
	require.Equal(t, "report.txt", frame.Files[0].FileName)

	frame = readFrame(t, bob)
	require.Equal(t, models.FrameTypeFileList, frame.Type)
	require.Len(t, frame.Files, 1)

	// Step 8: the uploaded bytes come back on download.
	resp, err := http.Get(fmt.Sprintf("http://%s/api/files/%s", testAddr, fileID))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "attachment-bytes", string(body))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "report.txt")

	// Step 9: a failed login gets a failure frame and then the close.
	intruder := dialWS(t)
	send(t, intruder, map[string]any{"type": "login", "username": "alice", "password": "wrong"})
	frame = readFrame(t, intruder)
	require.Equal(t, models.FrameTypeLogin, frame.Type)
	require.Equal(t, models.StatusFailure, frame.Status)

	require.NoError(t, intruder.SetReadDeadline(time.Now().Add(3*time.Second)))
	var discard models.ServerFrame
	require.Error(t, intruder.ReadJSON(&discard))

	// alice's live session is untouched by the intruder.
	send(t, alice, map[string]any{"type": "message", "receiver": "bob", "content": "still here"})
	frame = readFrame(t, bob)
	require.Equal(t, "still here", frame.Content)
	readFrame(t, alice) // echo
}

func uploadFile(t *testing.T, sender, receiver, name string, data []byte) string {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("sender", sender))
	if receiver != "" {
		require.NoError(t, writer.WriteField("receiver", receiver))
	}
	part, err := writer.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := http.Post(
		fmt.Sprintf("http://%s/api/files", testAddr),
		writer.FormDataContentType(),
		&buf,
	)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploadResp httpapi.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp))
	require.True(t, uploadResp.Success)
	require.NotEmpty(t, uploadResp.ID)

	return uploadResp.ID
}
