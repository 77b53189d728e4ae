package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// RoomIndex maps each chat to the live connections currently in it.
//
// Broadcasts hold the read lock while queuing payloads; Send never blocks,
// so the lock is held briefly, and a removal (which takes the write lock)
// that has returned is never followed by a delivery to the removed
// connection.
type RoomIndex struct {
	logger  *zap.Logger
	metrics *Metrics
	evict   func(Conn, error)

	mu          sync.RWMutex
	rooms       map[chat.ChatID]map[Conn]struct{}
	memberships map[Conn]map[chat.ChatID]struct{}
}

// NewRoomIndex creates an empty index. evict is called, outside any index
// lock, for every connection whose send failed during a broadcast; a nil
// evict only removes the connection from its rooms.
func NewRoomIndex(logger *zap.Logger, metrics *Metrics, evict func(Conn, error)) *RoomIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomIndex{
		logger:      logger,
		metrics:     metrics,
		evict:       evict,
		rooms:       make(map[chat.ChatID]map[Conn]struct{}),
		memberships: make(map[Conn]map[chat.ChatID]struct{}),
	}
}

// Join adds conn to room. It reports false if conn was already present.
func (ri *RoomIndex) Join(room chat.ChatID, conn Conn) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	members := ri.rooms[room]
	if members == nil {
		members = make(map[Conn]struct{})
		ri.rooms[room] = members
	}
	if _, ok := members[conn]; ok {
		return false
	}
	members[conn] = struct{}{}

	joined := ri.memberships[conn]
	if joined == nil {
		joined = make(map[chat.ChatID]struct{})
		ri.memberships[conn] = joined
	}
	joined[room] = struct{}{}

	ri.logger.Debug("joined room",
		zap.String("room", room.String()),
		zap.String("addr", conn.RemoteAddr()),
		zap.Int("members", len(members)))
	return true
}

// Leave removes conn from room. It reports false if conn was not present.
func (ri *RoomIndex) Leave(room chat.ChatID, conn Conn) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.removeLocked(room, conn)
}

func (ri *RoomIndex) removeLocked(room chat.ChatID, conn Conn) bool {
	members, ok := ri.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[conn]; !ok {
		return false
	}

	delete(members, conn)
	if len(members) == 0 {
		delete(ri.rooms, room)
	}
	if joined := ri.memberships[conn]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(ri.memberships, conn)
		}
	}
	return true
}

// LeaveAll removes conn from every room it occupies and returns those rooms.
func (ri *RoomIndex) LeaveAll(conn Conn) []chat.ChatID {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	joined := ri.memberships[conn]
	left := make([]chat.ChatID, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		ri.removeLocked(room, conn)
	}
	return left
}

// Broadcast delivers payload to every connection in room and returns how
// many accepted it.
func (ri *RoomIndex) Broadcast(room chat.ChatID, payload []byte) int {
	return ri.BroadcastExcluding(room, payload, nil)
}

// BroadcastExcluding delivers payload to every connection in room except
// excluded. A connection whose send fails is evicted and delivery continues
// with the rest; failed sends are not retried.
func (ri *RoomIndex) BroadcastExcluding(room chat.ChatID, payload []byte, excluded Conn) int {
	type failure struct {
		conn Conn
		err  error
	}

	var (
		delivered int
		failed    []failure
	)

	ri.mu.RLock()
	for conn := range ri.rooms[room] {
		if excluded != nil && conn == excluded {
			continue
		}
		if err := conn.Send(payload); err != nil {
			failed = append(failed, failure{conn: conn, err: err})
			continue
		}
		delivered++
	}
	ri.mu.RUnlock()

	ri.metrics.delivered(delivered)
	ri.logger.Debug("broadcast",
		zap.String("room", room.String()),
		zap.Int("delivered", delivered),
		zap.Int("failed", len(failed)))

	for _, f := range failed {
		ri.logger.Warn("evicting connection after failed send",
			zap.String("room", room.String()),
			zap.String("addr", f.conn.RemoteAddr()),
			zap.Error(f.err))
		if ri.evict != nil {
			ri.evict(f.conn, f.err)
		} else {
			ri.LeaveAll(f.conn)
		}
	}
	return delivered
}

// Members returns the connections currently in room.
func (ri *RoomIndex) Members(room chat.ChatID) []Conn {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	conns := make([]Conn, 0, len(ri.rooms[room]))
	for conn := range ri.rooms[room] {
		conns = append(conns, conn)
	}
	return conns
}

// Contains reports whether conn is in room.
func (ri *RoomIndex) Contains(room chat.ChatID, conn Conn) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.rooms[room][conn]
	return ok
}

// Rooms returns the rooms conn occupies.
func (ri *RoomIndex) Rooms(conn Conn) []chat.ChatID {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	rooms := make([]chat.ChatID, 0, len(ri.memberships[conn]))
	for room := range ri.memberships[conn] {
		rooms = append(rooms, room)
	}
	return rooms
}
