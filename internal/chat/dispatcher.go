package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andy6609/roomchat-server/internal/access"
	"github.com/andy6609/roomchat-server/internal/metrics"
	"github.com/andy6609/roomchat-server/internal/msglog"
	"github.com/andy6609/roomchat-server/internal/room"
	"github.com/andy6609/roomchat-server/internal/session"
)

const storeTimeout = 2 * time.Second

var helpLines = []string{
	"  #rooms                    - List all chat rooms",
	"  #join <room> [password]   - Join a room",
	"  #create <room> [password] - Create a room (private with a password)",
	"  #leave                    - Go back to #general",
	"  #online                   - List online users",
	"  #whisper <user> <text>    - Private message",
	"  #history [n]              - Show the last n messages (1-50)",
	"  #search <text>            - Search this room's history",
	"  #topic <text>             - Set the topic of your room",
	"  #info [room]              - Show room details",
	"  #delete <room>            - Delete a room you own",
	"  #exit                     - Disconnect",
	"Admin: #kick <user>, #ban <user>, #mute <user> [seconds], #unmute <user>, #unban <address>",
}

// Deps are the components a Dispatcher works with. Store is optional.
type Deps struct {
	Sessions  *session.Registry
	Access    *access.Control
	Rooms     *room.Registry
	Log       *msglog.Log
	Transport Transport
	Store     ModerationStore
	Admins    []string
	Logger    *slog.Logger
}

// Dispatcher interprets inbound lines. It implements engine.Handler; every
// method may run concurrently on different workers, so it keeps no state of
// its own beyond configuration and reads components afresh on each call.
type Dispatcher struct {
	sessions  *session.Registry
	access    *access.Control
	rooms     *room.Registry
	log       *msglog.Log
	transport Transport
	store     ModerationStore
	admins    map[string]struct{}
	logger    *slog.Logger
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	admins := make(map[string]struct{}, len(d.Admins))
	for _, name := range d.Admins {
		if name = strings.TrimSpace(name); name != "" {
			admins[name] = struct{}{}
		}
	}
	return &Dispatcher{
		sessions:  d.Sessions,
		access:    d.Access,
		rooms:     d.Rooms,
		log:       d.Log,
		transport: d.Transport,
		store:     d.Store,
		admins:    admins,
		logger:    d.Logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) OnConnect(id int64) {
	start := time.Now()
	defer d.observe("connect", start)

	if _, ok := d.sessions.Get(id); !ok {
		return
	}
	if err := d.rooms.JoinRoom(room.General, id, ""); err != nil {
		d.logger.Error("join general failed", "id", id, "error", err)
		return
	}
	if !d.stillLive(id) {
		return
	}
	d.sessions.SetRoom(id, room.General)

	d.send(id,
		systemLine("Welcome to the chat server! You are in #general."),
		systemLine("Type #help for available commands."),
	)
}

func (d *Dispatcher) OnDisconnect(s session.Session) {
	start := time.Now()
	defer d.observe("disconnect", start)

	d.access.Forget(s.ID)
	roomName, ok := d.rooms.LeaveRoom(s.ID)
	if !ok {
		return
	}
	d.sendRoom(roomName, s.ID, systemLine(s.Name+" has left the chat"))
}

func (d *Dispatcher) OnMessage(id int64, line string) {
	line = strings.TrimRight(line, "\r\n\x00")
	if strings.TrimSpace(line) == "" {
		return
	}
	n, ok := d.sessions.IncrementMessages(id)
	if !ok {
		return
	}

	isCommand := strings.HasPrefix(line, commandPrefix)
	if isCommand {
		if name, _ := cutWord(line); name == "#exit" {
			d.handleExit(id)
			return
		}
	}

	if err := d.access.AllowMessage(id); err != nil {
		switch {
		case errors.Is(err, access.ErrMuted):
			d.send(id, errLine(ErrMuted, "You are muted."))
		default:
			d.send(id, errLine(ErrRateLimited, "You are sending too many messages. Please slow down."))
		}
		return
	}

	s, ok := d.sessions.Get(id)
	if !ok {
		return
	}
	d.ensureRoom(&s)

	start := time.Now()
	switch {
	case n == 1 && !isCommand:
		d.handleName(s, line)
		d.observe("name", start)
	case isCommand:
		kind := d.handleCommand(s, line)
		d.observe(kind, start)
	default:
		d.handleChat(s, line)
		d.observe("chat", start)
	}
}

// ensureRoom covers a message overtaking OnConnect on another worker.
func (d *Dispatcher) ensureRoom(s *session.Session) {
	if current, ok := d.rooms.ClientRoom(s.ID); ok {
		s.Room = current
		return
	}
	if err := d.rooms.JoinRoom(room.General, s.ID, ""); err == nil && d.stillLive(s.ID) {
		d.sessions.SetRoom(s.ID, room.General)
		s.Room = room.General
	}
}

// stillLive is checked after every JoinRoom. A session removed while it was
// joining has already had its OnDisconnect leave, so it is taken back out of
// the room here.
func (d *Dispatcher) stillLive(id int64) bool {
	if _, ok := d.sessions.Get(id); ok {
		return true
	}
	d.rooms.LeaveRoom(id)
	return false
}

func (d *Dispatcher) handleName(s session.Session, line string) {
	name := truncate(strings.TrimSpace(line), maxNameLength)
	if !d.sessions.SetName(s.ID, name) {
		return
	}
	d.logger.Info("client named", "id", s.ID, "name", name)

	d.send(s.ID, systemLine("You are now known as "+name))
	d.sendRoom(s.Room, s.ID, systemLine(name+" has joined #"+s.Room))
}

func (d *Dispatcher) handleChat(s session.Session, text string) {
	text = truncate(text, maxChatLength)
	d.log.Store(msglog.NewMessage(s.ID, s.Name, s.Room, text))
	d.sendRoom(s.Room, s.ID, s.Name+": "+text)
}

// handleCommand runs one command and returns its metrics label.
func (d *Dispatcher) handleCommand(s session.Session, line string) string {
	name, args := cutWord(line)

	switch name {
	case "#help":
		d.send(s.ID, append([]string{systemLine("Available commands:")}, helpLines...)...)
	case "#rooms":
		d.handleRooms(s)
	case "#join":
		d.handleJoin(s, args)
	case "#create":
		d.handleCreate(s, args)
	case "#leave":
		d.handleLeave(s)
	case "#online":
		d.handleOnline(s)
	case "#whisper":
		d.handleWhisper(s, args)
		return "whisper"
	case "#history":
		d.handleHistory(s, args)
	case "#search":
		d.handleSearch(s, args)
	case "#topic":
		d.handleTopic(s, args)
	case "#info":
		d.handleInfo(s, args)
	case "#delete":
		d.handleDelete(s, args)
	case "#kick", "#ban", "#mute", "#unmute", "#unban":
		if !d.isAdmin(s) {
			d.send(s.ID, errLine(ErrNotAdmin, "Admin privileges required."))
			return "admin"
		}
		d.handleAdmin(s, name, args)
		return "admin"
	default:
		d.send(s.ID, errLine(ErrUnknownCommand, "Unknown command. Type #help for available commands."))
		return "unknown"
	}
	return "command"
}

func (d *Dispatcher) handleExit(id int64) {
	start := time.Now()
	d.send(id, systemLine("Goodbye!"))
	d.transport.Disconnect(id)
	d.observe("exit", start)
}

func (d *Dispatcher) handleRooms(s session.Session) {
	rooms := d.rooms.ListRooms()
	lines := []string{systemLine("Available rooms:")}
	for _, info := range rooms {
		line := fmt.Sprintf("  #%s (%d users)", info.Name, info.Members)
		if info.Topic != "" {
			line += " - " + info.Topic
		}
		lines = append(lines, line)
	}
	d.send(s.ID, lines...)
}

func (d *Dispatcher) handleJoin(s session.Session, args string) {
	target, rest := cutWord(args)
	target = roomArg(target)
	password, _ := cutWord(rest)
	if target == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #join <room> [password]"))
		return
	}
	if target == s.Room {
		d.send(s.ID, systemLine("You are already in #"+target))
		return
	}
	if err := d.rooms.JoinRoom(target, s.ID, password); err != nil {
		d.sendRoomError(s.ID, target, err)
		return
	}
	if !d.stillLive(s.ID) {
		return
	}
	d.moved(s, s.Room, target)
}

// moved records a completed room change and notifies both rooms.
func (d *Dispatcher) moved(s session.Session, from, to string) {
	d.sessions.SetRoom(s.ID, to)
	if from != "" {
		d.sendRoom(from, s.ID, systemLine(s.Name+" left #"+from))
	}
	d.sendRoom(to, s.ID, systemLine(s.Name+" joined #"+to))

	lines := []string{systemLine("Joined #" + to)}
	if info, ok := d.rooms.RoomInfo(to); ok && info.Topic != "" {
		lines = append(lines, systemLine("Topic: "+info.Topic))
	}
	d.send(s.ID, lines...)
}

func (d *Dispatcher) handleCreate(s session.Session, args string) {
	name, rest := cutWord(args)
	name = roomArg(name)
	password, _ := cutWord(rest)
	if name == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #create <room> [password]"))
		return
	}
	if err := d.rooms.CreateRoom(name, s.ID, password != "", password); err != nil {
		d.sendRoomError(s.ID, name, err)
		return
	}
	d.logger.Info("room created", "room", name, "owner", s.Name, "private", password != "")

	kind := "room"
	if password != "" {
		kind = "private room"
	}
	d.send(s.ID, systemLine(fmt.Sprintf("Created %s #%s. Use #join %s to enter.", kind, name, name)))
}

func (d *Dispatcher) handleLeave(s session.Session) {
	if s.Room == room.General {
		d.send(s.ID, systemLine("You are already in #general"))
		return
	}
	if err := d.rooms.JoinRoom(room.General, s.ID, ""); err != nil {
		d.sendRoomError(s.ID, room.General, err)
		return
	}
	if !d.stillLive(s.ID) {
		return
	}
	d.moved(s, s.Room, room.General)
}

func (d *Dispatcher) handleOnline(s session.Session) {
	all := d.sessions.Snapshot()
	lines := []string{systemLine(fmt.Sprintf("Online users (%d):", len(all)))}
	for _, other := range all {
		lines = append(lines, fmt.Sprintf("  %s (#%s)", other.Name, other.Room))
	}
	d.send(s.ID, lines...)
}

func (d *Dispatcher) handleWhisper(s session.Session, args string) {
	to, text := cutWord(args)
	if to == "" || text == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #whisper <user> <text>"))
		return
	}
	targetID, ok := d.sessions.FindByName(to)
	if !ok {
		d.send(s.ID, errLine(ErrUserNotFound, "User not found: "+to))
		return
	}
	if targetID == s.ID {
		d.send(s.ID, errLine(ErrCannotTargetSelf, "You cannot whisper to yourself."))
		return
	}

	text = truncate(text, maxChatLength)
	d.send(targetID, "WHISPER "+s.Name+": "+text)
	d.send(s.ID, "WHISPER to "+to+": "+text)
}

func (d *Dispatcher) handleHistory(s session.Session, args string) {
	count := historyDefault
	if arg, _ := cutWord(args); arg != "" {
		if n, err := strconv.Atoi(arg); err == nil && n >= 1 {
			count = n
		}
	}
	if count > historyMax {
		count = historyMax
	}

	msgs := d.log.GetRecent(s.Room, count)
	lines := []string{systemLine(fmt.Sprintf("Last %d messages in #%s:", len(msgs), s.Room))}
	for _, m := range msgs {
		lines = append(lines, "  "+m.String())
	}
	d.send(s.ID, lines...)
}

func (d *Dispatcher) handleSearch(s session.Session, query string) {
	if query == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #search <text>"))
		return
	}
	msgs := d.log.Search(query, s.Room, searchMax)
	lines := []string{systemLine(fmt.Sprintf("%d results for %q in #%s:", len(msgs), query, s.Room))}
	for _, m := range msgs {
		lines = append(lines, "  "+m.String())
	}
	d.send(s.ID, lines...)
}

func (d *Dispatcher) handleTopic(s session.Session, topic string) {
	if topic == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #topic <text>"))
		return
	}
	topic = truncate(topic, maxChatLength)
	if err := d.rooms.SetTopic(s.Room, topic, d.requester(s)); err != nil {
		d.sendRoomError(s.ID, s.Room, err)
		return
	}
	d.sendRoom(s.Room, 0, systemLine(fmt.Sprintf("%s set the topic of #%s to: %s", s.Name, s.Room, topic)))
}

func (d *Dispatcher) handleInfo(s session.Session, args string) {
	name, _ := cutWord(args)
	name = roomArg(name)
	if name == "" {
		name = s.Room
	}
	info, ok := d.rooms.RoomInfo(name)
	if !ok {
		d.send(s.ID, errLine(ErrRoomNotFound, "No such room: #"+name))
		return
	}

	owner := "server"
	if info.OwnerID != room.AdminID {
		owner = session.PlaceholderName(info.OwnerID)
		if o, ok := d.sessions.Get(info.OwnerID); ok {
			owner = o.Name
		}
	}
	privacy := "public"
	if info.Private {
		privacy = "private"
	}
	d.send(s.ID,
		systemLine("Room #"+info.Name+" ("+privacy+")"),
		"  Topic: "+info.Topic,
		fmt.Sprintf("  Members: %d", info.Members),
		"  Owner: "+owner,
		"  Created: "+info.CreatedAt.Local().Format("2006-01-02 15:04:05"),
	)
}

func (d *Dispatcher) handleDelete(s session.Session, args string) {
	name, _ := cutWord(args)
	name = roomArg(name)
	if name == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: #delete <room>"))
		return
	}
	moved, err := d.rooms.DeleteRoom(name, d.requester(s))
	if err != nil {
		d.sendRoomError(s.ID, name, err)
		return
	}
	d.logger.Info("room deleted", "room", name, "by", s.Name, "moved", len(moved))

	for _, id := range moved {
		d.sessions.SetRoom(id, room.General)
		d.send(id, systemLine("#"+name+" was deleted. You are back in #general."))
	}
	d.send(s.ID, systemLine("Deleted #"+name))
	d.audit(s, "delete_room", name, "")
}

func (d *Dispatcher) handleAdmin(s session.Session, name, args string) {
	arg, rest := cutWord(args)
	if arg == "" {
		d.send(s.ID, errLine(ErrUsage, "Usage: "+name+" <target>"))
		return
	}

	if name == "#unban" {
		host := access.HostOf(arg)
		lifted := d.access.Unban(host)
		if d.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			removed, err := d.store.RemoveBan(ctx, host)
			cancel()
			if err != nil {
				d.logger.Warn("remove persisted ban failed", "host", host, "error", err)
			}
			lifted = lifted || removed
		}
		if !lifted {
			d.send(s.ID, errLine(ErrNotBanned, host+" is not banned"))
			return
		}
		d.send(s.ID, systemLine("Unbanned "+host))
		d.audit(s, "unban", host, "")
		return
	}

	targetID, ok := d.sessions.FindByName(arg)
	if !ok {
		d.send(s.ID, errLine(ErrUserNotFound, "User not found: "+arg))
		return
	}
	if targetID == s.ID {
		d.send(s.ID, errLine(ErrCannotTargetSelf, "You cannot do that to yourself."))
		return
	}
	target, ok := d.sessions.Get(targetID)
	if !ok {
		d.send(s.ID, errLine(ErrUserNotFound, "User not found: "+arg))
		return
	}

	switch name {
	case "#kick":
		d.send(target.ID, systemLine("You have been kicked by "+s.Name))
		d.transport.Disconnect(target.ID)
		d.send(s.ID, systemLine("Kicked "+target.Name))
		d.audit(s, "kick", target.Name, "")

	case "#ban":
		host := access.HostOf(target.RemoteAddr)
		d.access.Ban(host)
		if d.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := d.store.AddBan(ctx, host, "banned as "+target.Name, s.Name); err != nil {
				d.logger.Warn("persist ban failed", "host", host, "error", err)
			}
			cancel()
		}
		d.send(target.ID, systemLine("You have been banned by "+s.Name))
		d.transport.Disconnect(target.ID)
		d.send(s.ID, systemLine(fmt.Sprintf("Banned %s (%s)", target.Name, host)))
		d.audit(s, "ban", target.Name, host)

	case "#mute":
		seconds := 0
		if raw, _ := cutWord(rest); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				d.send(s.ID, errLine(ErrUsage, "Usage: #mute <user> [seconds]"))
				return
			}
			seconds = n
		}
		d.access.Mute(target.ID, time.Duration(seconds)*time.Second)

		span := "permanently"
		if seconds > 0 {
			span = fmt.Sprintf("for %d seconds", seconds)
		}
		d.send(target.ID, systemLine("You have been muted "+span+" by "+s.Name))
		d.send(s.ID, systemLine("Muted "+target.Name+" "+span))
		d.audit(s, "mute", target.Name, span)

	case "#unmute":
		if !d.access.Unmute(target.ID) {
			d.send(s.ID, errLine(ErrNotMuted, target.Name+" is not muted"))
			return
		}
		d.send(target.ID, systemLine("You have been unmuted by "+s.Name))
		d.send(s.ID, systemLine("Unmuted "+target.Name))
		d.audit(s, "unmute", target.Name, "")
	}
}

func (d *Dispatcher) sendRoomError(id int64, name string, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		d.send(id, errLine(ErrRoomNotFound, "No such room: #"+name))
	case errors.Is(err, room.ErrRoomExists):
		d.send(id, errLine(ErrRoomExists, "Room #"+name+" already exists"))
	case errors.Is(err, room.ErrWrongPassword):
		d.send(id, errLine(ErrWrongPassword, "Wrong password for #"+name))
	case errors.Is(err, room.ErrNotOwner):
		d.send(id, errLine(ErrNotOwner, "Only the owner of #"+name+" or an admin can do that"))
	case errors.Is(err, room.ErrPermanentRoom):
		d.send(id, errLine(ErrPermanentRoom, "#"+name+" cannot be deleted"))
	default:
		d.send(id, errLine(ErrUsage, err.Error()))
	}
}

// isAdmin reports whether s may run admin commands. With no admins
// configured everyone may.
func (d *Dispatcher) isAdmin(s session.Session) bool {
	if len(d.admins) == 0 {
		return true
	}
	if s.State != session.StateNamed {
		return false
	}
	_, ok := d.admins[s.Name]
	return ok
}

// requester is the id room ownership checks see: configured admins act as
// the server.
func (d *Dispatcher) requester(s session.Session) int64 {
	if len(d.admins) > 0 && d.isAdmin(s) {
		return room.AdminID
	}
	return s.ID
}

func (d *Dispatcher) audit(s session.Session, action, target, detail string) {
	d.logger.Info("admin action", "actor", s.Name, "action", action, "target", target, "detail", detail)
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.AppendAudit(ctx, s.Name, action, target, detail); err != nil {
		d.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// send writes lines to one session as a single payload so they arrive
// together.
func (d *Dispatcher) send(id int64, lines ...string) bool {
	if len(lines) == 0 {
		return true
	}
	return d.transport.Send(id, []byte(strings.Join(lines, "\n")+"\n"))
}

// sendRoom writes line to every member of roomName except excludeID.
func (d *Dispatcher) sendRoom(roomName string, excludeID int64, line string) {
	payload := []byte(line + "\n")
	for _, id := range d.rooms.GetRoomMembers(roomName) {
		if id != excludeID {
			d.transport.Send(id, payload)
		}
	}
}

// Announce sends a system notice to every connected session.
func (d *Dispatcher) Announce(text string) int {
	return d.transport.Broadcast([]byte(systemLine(text)+"\n"), 0)
}

func (d *Dispatcher) observe(kind string, start time.Time) {
	metrics.MessagesTotal.WithLabelValues(kind).Inc()
	metrics.EventProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// cutWord splits off the first space-separated word.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func roomArg(s string) string {
	return strings.TrimPrefix(s, commandPrefix)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
