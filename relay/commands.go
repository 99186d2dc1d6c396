package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/relaybox/relay/transfer"
)

var (
	// ErrUnknownCommand ...
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDuplicateCommand ...
	ErrDuplicateCommand = errors.New("command already registered")
)

// UsageError is returned when a command is called with the wrong arguments.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// Request is one parsed command.
type Request struct {
	Name string
	Args []string
	// ChatID identifies the conversation the command came from.
	ChatID string
}

// Button is a link rendered under a reply.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Response is rendered by the messaging side.
type Response struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
	// Deliver asks the transport to send the stored file with this id.
	Deliver string `json:"deliver,omitempty"`
}

// Handler handles one command.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc ...
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle ...
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Command describes a registered command.
type Command struct {
	Name        string
	Usage       string
	Description string
}

type registration struct {
	Command
	handler Handler
}

// Registry routes commands to handlers by name.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]registration
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{commands: map[string]registration{}}
}

// Register adds a handler for cmd.Name.
func (r *Registry) Register(cmd Command, h Handler) error {
	name := strings.ToLower(cmd.Name)
	if name == "" {
		return errors.New("command name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	cmd.Name = name
	r.commands[name] = registration{Command: cmd, handler: h}
	return nil
}

// Commands lists the registered commands by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]Command, 0, len(r.commands))
	for _, reg := range r.commands {
		cmds = append(cmds, reg.Command)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Dispatch parses text such as "/stream abc" or "/stream@relaybot abc" and
// calls the matching handler.
func (r *Registry) Dispatch(ctx context.Context, chatID, text string) (Response, error) {
	req, ok := ParseCommand(text)
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
	req.ChatID = chatID

	r.mu.RLock()
	reg, ok := r.commands[req.Name]
	r.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Name)
	}
	return reg.handler.Handle(ctx, req)
}

// ParseCommand splits a command message into its name and arguments.
func ParseCommand(text string) (Request, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Request{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Request{}, false
	}
	return Request{Name: strings.ToLower(name), Args: fields[1:]}, true
}

// RegisterDefaults registers the start, help, stream, download, test and
// cancel commands.
func RegisterDefaults(r *Registry, svc *Service) error {
	handlers := []struct {
		cmd     Command
		handler HandlerFunc
	}{
		{Command{Name: "start", Description: "Show the welcome message"}, startHandler},
		{Command{Name: "help", Description: "List the commands"}, helpHandler(r)},
		{Command{Name: "stream", Usage: "/stream <file id>", Description: "Get streaming links for a file"}, streamHandler(svc)},
		{Command{Name: "download", Usage: "/download <file id>", Description: "Receive a stored file"}, downloadHandler(svc)},
		{Command{Name: "test", Description: "Check the storage connection"}, testHandler(svc)},
		{Command{Name: "cancel", Usage: "/cancel <session id>", Description: "Cancel a running transfer"}, cancelHandler(svc)},
	}
	for _, h := range handlers {
		if err := r.Register(h.cmd, h.handler); err != nil {
			return err
		}
	}
	return nil
}

func startHandler(context.Context, Request) (Response, error) {
	return Response{Text: "Send me a file up to 4GB and I'll store it and reply with streaming links.\nUse /help to see all commands."}, nil
}

func helpHandler(r *Registry) HandlerFunc {
	return func(context.Context, Request) (Response, error) {
		var b strings.Builder
		b.WriteString("Commands:")
		for _, cmd := range r.Commands() {
			usage := cmd.Usage
			if usage == "" {
				usage = "/" + cmd.Name
			}
			fmt.Fprintf(&b, "\n%s - %s", usage, cmd.Description)
		}
		return Response{Text: b.String()}, nil
	}
}

func streamHandler(svc *Service) HandlerFunc {
	return func(ctx context.Context, req Request) (Response, error) {
		if len(req.Args) != 1 {
			return Response{}, &UsageError{Usage: "/stream <file id>"}
		}

		rec, urls, err := svc.Links(ctx, req.Args[0])
		if err != nil {
			return Response{}, err
		}

		resp := Response{
			Text: fmt.Sprintf("%s\n%s, %s\nLinks expire %s.",
				rec.Filename, units.HumanSize(float64(rec.Size)), rec.MimeType, urls.ExpiresAt.UTC().Format(time.RFC1123)),
			Buttons: []Button{{Text: "Direct link", URL: urls.Direct}},
		}
		if svc.Streamable(rec) {
			resp.Buttons = append(resp.Buttons,
				Button{Text: "MX Player", URL: urls.MXPlayer},
				Button{Text: "VLC", URL: urls.VLC},
			)
		} else {
			resp.Text += "\nThis file is not a media file; players may not open it."
		}
		return resp, nil
	}
}

func downloadHandler(svc *Service) HandlerFunc {
	return func(ctx context.Context, req Request) (Response, error) {
		if len(req.Args) != 1 {
			return Response{}, &UsageError{Usage: "/download <file id>"}
		}

		rec, err := svc.Record(ctx, req.Args[0])
		if err != nil {
			return Response{}, err
		}
		return Response{
			Text:    fmt.Sprintf("Sending %s (%s)...", rec.Filename, units.HumanSize(float64(rec.Size))),
			Deliver: rec.ID,
		}, nil
	}
}

func testHandler(svc *Service) HandlerFunc {
	return func(ctx context.Context, _ Request) (Response, error) {
		started := time.Now()
		if err := svc.Ping(ctx); err != nil {
			return Response{Text: "Storage connection failed: " + err.Error()}, nil
		}
		active := len(svc.Active())
		return Response{Text: fmt.Sprintf("Storage connection OK (%s), %d transfer(s) running.", time.Since(started).Round(time.Millisecond), active)}, nil
	}
}

func cancelHandler(svc *Service) HandlerFunc {
	return func(_ context.Context, req Request) (Response, error) {
		if len(req.Args) != 1 {
			return Response{}, &UsageError{Usage: "/cancel <session id>"}
		}
		if err := svc.Cancel(req.Args[0]); err != nil {
			if errors.Is(err, transfer.ErrSessionNotFound) {
				return Response{Text: "No running transfer with that id."}, nil
			}
			return Response{}, err
		}
		return Response{Text: "Cancelling..."}, nil
	}
}
