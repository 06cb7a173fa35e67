package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/content"
	"parley/internal/directory"
	"parley/internal/models"

	"github.com/c-pro/geche"
)

const defaultSendBuffer = 100

type userDirectory interface {
	Verify(username, password string) bool
	Create(username, password string) error
	AllUsernames() []string
}

type messageLog interface {
	AppendMessage(message models.ChatMessage) error
	ListMessagesFor(username string) ([]models.ChatMessage, error)
	ListFileRecords() ([]models.FileRecord, error)
}

// client is the hub's handle on one live connection: an outbound frame
// queue and a close signal. Frames are dropped rather than queued past the
// limit, and delivery after shutdown is a no-op, so hub handlers never
// block on a slow or dying connection.
type client struct {
	mu    sync.Mutex
	queue []models.ServerFrame
	limit int

	// notify carries one token while the queue is non-empty; the
	// connection's loop drains the whole queue per token.
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(buffer int) *client {
	return &client{
		limit:  buffer,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// deliver queues a frame for the connection. Best-effort: false means the
// frame was dropped because the connection is closing or its queue is
// full.
func (c *client) deliver(frame models.ServerFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	if len(c.queue) >= c.limit {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	c.wake()
	return true
}

// force queues a frame past the length limit. The login sequence uses
// this: success, replay, presence and file list all queue before the
// connection's own loop can drain, so a backlog larger than the limit
// would otherwise lose its tail.
func (c *client) force(frame models.ServerFrame) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	c.wake()
}

// next pops the oldest queued frame.
func (c *client) next() (models.ServerFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return models.ServerFrame{}, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame, true
}

func (c *client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// shutdown signals a server-initiated close. Safe to call more than once.
func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the session and routing engine. It owns the registry and the
// outbound queue of every live connection, dispatches decoded requests,
// decides fan-out, and keeps the shared presence view coherent across
// concurrent connections.
type Hub struct {
	directory userDirectory
	log       messageLog
	registry  *Registry

	// connID -> client, for every live connection including ones that
	// have not authenticated yet.
	clients geche.Geche[string, *client]

	sendBuffer int
	now        func() time.Time
}

func NewHub(dir userDirectory, log messageLog, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	h := &Hub{
		directory:  dir,
		log:        log,
		registry:   NewRegistry(),
		clients:    geche.NewMapCache[string, *client](),
		sendBuffer: sendBuffer,
		now:        time.Now,
	}

	h.registry.InitPresence(dir.AllUsernames())

	return h
}

// Attach registers a new connection and returns its client handle.
func (h *Hub) Attach(connID string) *client {
	cl := newClient(h.sendBuffer)
	h.clients.Set(connID, cl)
	return cl
}

// Detach tears down a connection. Called exactly once, when the
// connection's pump exits. If the connection still owned a session, the
// user flips offline and everyone else hears about it.
func (h *Hub) Detach(connID string) {
	if cl, err := h.clients.Get(connID); err == nil {
		cl.shutdown()
	}
	_ = h.clients.Del(connID)

	username, owned := h.registry.Unbind(connID)
	if !owned {
		slog.Debug("unauthenticated connection closed", "conn_id", connID)
		return
	}

	h.registry.SetStatus(username, models.PresenceOffline)
	slog.Info("user disconnected", "username", username)
	h.broadcastPresence(models.FrameTypeUserStatusUpdate, "")
}

// Dispatch decodes one inbound frame and routes it to its handler.
// Decode failures answer only the offending connection and never close it.
func (h *Hub) Dispatch(connID string, data []byte) {
	req, err := DecodeRequest(data)
	if err != nil {
		h.sendTo(connID, models.ErrorFrame(err.Error()))
		return
	}

	switch req := req.(type) {
	case LoginRequest:
		h.handleLogin(connID, req)
	case RegisterRequest:
		h.handleRegister(connID, req)
	case SendRequest:
		h.handleSend(connID, req)
	case HistoryRequest:
		h.handleHistory(connID, req)
	}
}

func (h *Hub) handleLogin(connID string, req LoginRequest) {
	if req.Username == "" || req.Password == "" {
		h.sendTo(connID, models.ServerFrame{
			Type:    models.FrameTypeLogin,
			Status:  models.StatusFailure,
			Message: "username and password are required",
		})
		return
	}

	if !h.directory.Verify(req.Username, req.Password) {
		slog.Info("login failed", "username", req.Username)
		h.sendTo(connID, models.ServerFrame{
			Type:    models.FrameTypeLogin,
			Status:  models.StatusFailure,
			Message: "invalid username or password",
		})
		// A connection that fails authentication is not worth keeping.
		h.closeConn(connID)
		return
	}

	prev, wasBound := h.registry.Resolve(connID)

	superseded, had := h.registry.Bind(connID, req.Username)
	if had {
		// The user logged in again elsewhere; the old connection would
		// otherwise linger as an unreachable zombie.
		slog.Info("session superseded", "username", req.Username, "conn_id", superseded)
		h.closeConn(superseded)
	}
	if wasBound && prev != req.Username {
		// The connection re-authenticated as someone else; its old
		// identity no longer has a live session.
		h.registry.SetStatus(prev, models.PresenceOffline)
	}
	h.registry.SetStatus(req.Username, models.PresenceOnline)

	slog.Info("login ok", "username", req.Username)

	// The client must see its own success and its own history before any
	// of the broadcasts that follow. Everything owed to this connection is
	// queued with force: its own loop is still inside this dispatch and
	// cannot drain, so a backlog past the queue limit would be truncated.
	h.forceTo(connID, models.ServerFrame{Type: models.FrameTypeLogin, Status: models.StatusSuccess})
	h.replayHistory(connID, req.Username)
	h.broadcastPresence(models.FrameTypeUserStatusUpdate, connID)
	h.sendFileList(req.Username)
}

func (h *Hub) handleRegister(connID string, req RegisterRequest) {
	if req.Username == "" || req.Password == "" {
		h.sendTo(connID, models.ServerFrame{
			Type:    models.FrameTypeRegister,
			Status:  models.StatusFailure,
			Message: "username and password are required",
		})
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		h.sendTo(connID, models.ServerFrame{
			Type:    models.FrameTypeRegister,
			Status:  models.StatusFailure,
			Message: err.Error(),
		})
		return
	}

	err := h.directory.Create(req.Username, req.Password)
	if errors.Is(err, directory.ErrUserExists) {
		h.sendTo(connID, models.ServerFrame{
			Type:    models.FrameTypeRegister,
			Status:  models.StatusFailure,
			Message: "username already exists",
		})
		return
	}
	if err != nil {
		slog.Error("registration failed", "username", req.Username, "error", err)
		return
	}

	h.registry.SetStatus(req.Username, models.PresenceOffline)

	h.sendTo(connID, models.ServerFrame{Type: models.FrameTypeRegister, Status: models.StatusSuccess})

	// Everyone already connected sees the new user immediately.
	// Registration does not log the user in.
	h.broadcastPresence(models.FrameTypeUserList, "")
}

func (h *Hub) handleSend(connID string, req SendRequest) {
	sender, ok := h.registry.Resolve(connID)
	if !ok {
		h.sendTo(connID, models.ErrorFrame("not logged in"))
		return
	}

	text := content.NormalizeMessage(req.Content)
	if text == "" {
		h.sendTo(connID, models.ErrorFrame("message content cannot be empty"))
		return
	}

	message := models.ChatMessage{
		Sender:    sender,
		Receiver:  req.Receiver,
		Content:   text,
		Timestamp: h.now().UnixMilli(),
	}

	if err := h.log.AppendMessage(message); err != nil {
		slog.Error("failed to persist message", "sender", sender, "error", err)
		return
	}

	frame := models.MessageFrame(message)

	if message.Receiver != "" {
		// Directed. An offline receiver is normal, not an error: the
		// message is durable and will surface in their history replay.
		if receiverConn, ok := h.registry.ConnFor(message.Receiver); ok {
			h.sendTo(receiverConn, frame)
		}
		h.sendTo(connID, frame)
		return
	}

	// Broadcast over a membership snapshot, then echo to the sender so
	// every online user sees exactly one copy.
	for _, session := range h.registry.Snapshot() {
		if session.ConnID != connID {
			h.sendTo(session.ConnID, frame)
		}
	}
	h.sendTo(connID, frame)
}

func (h *Hub) handleHistory(connID string, req HistoryRequest) {
	username, ok := h.registry.Resolve(connID)
	if !ok {
		h.sendTo(connID, models.ErrorFrame("not logged in"))
		return
	}

	if req.Page < 0 || req.Size <= 0 {
		h.sendTo(connID, models.ErrorFrame("invalid pagination parameters"))
		return
	}

	visible, err := h.log.ListMessagesFor(username)
	if err != nil {
		slog.Error("failed to load history", "username", username, "error", err)
		return
	}

	from := req.Page * req.Size
	to := from + req.Size
	if from > len(visible) {
		from = len(visible)
	}
	if to > len(visible) {
		to = len(visible)
	}

	page := visible[from:to]
	if page == nil {
		// An out-of-range page is an explicit empty list on the wire,
		// not an absent field.
		page = []models.ChatMessage{}
	}

	h.sendTo(connID, models.ServerFrame{
		Type:     models.FrameTypeHistory,
		Messages: page,
	})
}

// replayHistory streams the visibility-filtered backlog to a freshly
// authenticated connection, one frame per message, in the stored ascending
// timestamp order.
func (h *Hub) replayHistory(connID, username string) {
	visible, err := h.log.ListMessagesFor(username)
	if err != nil {
		slog.Error("failed to replay history", "username", username, "error", err)
		return
	}

	for _, message := range visible {
		h.forceTo(connID, models.MessageFrame(message))
	}
}

// AnnounceFile refreshes the file list of every known user after an
// upload. Offline users miss nothing: they get their list on next login.
func (h *Hub) AnnounceFile() {
	records, err := h.log.ListFileRecords()
	if err != nil {
		slog.Error("failed to list file records", "error", err)
		return
	}

	for _, username := range h.directory.AllUsernames() {
		h.pushFileList(username, records, false)
	}
}

// sendFileList sends one user their current file list, if any. Part of the
// login sequence, so delivery is forced.
func (h *Hub) sendFileList(username string) {
	records, err := h.log.ListFileRecords()
	if err != nil {
		slog.Error("failed to list file records", "username", username, "error", err)
		return
	}
	h.pushFileList(username, records, true)
}

func (h *Hub) pushFileList(username string, records []models.FileRecord, forced bool) {
	var visible []models.FileRecord
	for _, record := range records {
		if record.VisibleTo(username) {
			visible = append(visible, record)
		}
	}
	if len(visible) == 0 {
		return
	}

	connID, ok := h.registry.ConnFor(username)
	if !ok {
		return
	}

	frame := models.ServerFrame{
		Type:  models.FrameTypeFileList,
		Files: visible,
	}
	if forced {
		h.forceTo(connID, frame)
		return
	}
	h.sendTo(connID, frame)
}

// broadcastPresence pushes the full presence table to every live session.
// The forced connection, if any, is the one whose dispatch triggered the
// broadcast; its copy may not be dropped.
func (h *Hub) broadcastPresence(frameType models.FrameType, forced string) {
	frame := models.ServerFrame{
		Type:  frameType,
		Users: h.registry.PresenceSnapshot(),
	}
	for _, session := range h.registry.Snapshot() {
		if session.ConnID == forced {
			h.forceTo(session.ConnID, frame)
			continue
		}
		h.sendTo(session.ConnID, frame)
	}
}

// sendTo queues a frame for one connection. A connection that has gone
// away or cannot keep up loses the frame; nobody else is affected.
func (h *Hub) sendTo(connID string, frame models.ServerFrame) {
	cl, err := h.clients.Get(connID)
	if err != nil {
		return
	}
	if !cl.deliver(frame) {
		slog.Warn("dropped outbound frame", "conn_id", connID, "type", frame.Type)
	}
}

// forceTo queues a frame for one connection regardless of queue length.
// Reserved for the login sequence, whose frames queue while the receiving
// connection is still inside its own dispatch and cannot drain.
func (h *Hub) forceTo(connID string, frame models.ServerFrame) {
	if cl, err := h.clients.Get(connID); err == nil {
		cl.force(frame)
	}
}

// closeConn asks a connection to shut down after draining what is already
// queued for it.
func (h *Hub) closeConn(connID string) {
	if cl, err := h.clients.Get(connID); err == nil {
		cl.shutdown()
	}
}
