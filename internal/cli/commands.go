// Package cli implements the interactive console: decoder counters, recent
// frames, method statistics and ad-hoc frame decoding.
package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/db"
	"github.com/energizer-project/liqitap/internal/events"
	intnet "github.com/energizer-project/liqitap/internal/network"
	"github.com/energizer-project/liqitap/internal/protocol"
	"github.com/energizer-project/liqitap/internal/recorder"
)

const defaultRecent = 10

// Dependencies are the components the console reports on. Any may be nil.
type Dependencies struct {
	Observer *intnet.Observer
	Flows    *intnet.FlowRegistry
	Writer   *recorder.Writer
	Store    *db.EventStore
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Dependencies
	parser   *protocol.FrameParser

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, deps Dependencies, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
		parser:   protocol.NewFrameParser(),
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is done, input ends, or the user
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nliqitap console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error, console disabled")
		}
	}()

	for {
		fmt.Fprint(c.out, "liqitap> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		quit, err := c.execute(ctx, cmd, parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "stats":
		return false, c.printStats(ctx)
	case "recent", "r":
		return false, c.printRecent(ctx, args)
	case "methods", "m":
		return false, c.printMethods(ctx)
	case "flows":
		c.printFlows()
	case "decode", "d":
		return false, c.cmdDecode(args)
	case "setconfig":
		return false, c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down liqitap...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    liqitap console commands                  ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Decoder and sink counters              ║")
	fmt.Fprintln(c.out, "║  stats                Archive totals by kind and reason      ║")
	fmt.Fprintln(c.out, "║  recent [n]           Last n decoded frames                  ║")
	fmt.Fprintln(c.out, "║  methods              Frame counts per method                ║")
	fmt.Fprintln(c.out, "║  flows                Websocket connections being relayed    ║")
	fmt.Fprintln(c.out, "║  decode <hex>         Decode one frame given as hex          ║")
	fmt.Fprintln(c.out, "║  setconfig <s> <k> <v> Update a configuration value          ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown liqitap                       ║")
	fmt.Fprintln(c.out, "║  help                 Show this help message                 ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	tw := c.newTable("Component", "Counter", "Value")

	if o := c.deps.Observer; o != nil {
		st := o.Stats()
		tw.Append([]string{"observer", "decoded", strconv.FormatUint(st.Decoded, 10)})
		tw.Append([]string{"observer", "rejected", strconv.FormatUint(st.Rejected, 10)})
		tw.Append([]string{"observer", "skipped", strconv.FormatUint(st.Skipped, 10)})
	}
	if f := c.deps.Flows; f != nil {
		tw.Append([]string{"relay", "active flows", strconv.Itoa(f.Count())})
	}
	if w := c.deps.Writer; w != nil {
		st := w.Stats()
		tw.Append([]string{"output", "path", st.Path})
		tw.Append([]string{"output", "frames", strconv.FormatUint(st.Frames, 10)})
		tw.Append([]string{"output", "flows", strconv.FormatUint(st.Flows, 10)})
		tw.Append([]string{"output", "bytes", strconv.FormatInt(st.Bytes, 10)})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printStats(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("database is disabled")
	}
	st, err := c.deps.Store.Stats(ctx)
	if err != nil {
		return err
	}

	tw := c.newTable("Metric", "Value")
	tw.Append([]string{"decoded", strconv.FormatInt(st.Decoded, 10)})
	tw.Append([]string{"rejected", strconv.FormatInt(st.Rejected, 10)})
	tw.Append([]string{"actions", strconv.FormatInt(st.Actions, 10)})
	tw.Append([]string{"flows", strconv.FormatInt(st.Flows, 10)})
	tw.Append([]string{"open flows", strconv.FormatInt(st.OpenFlows, 10)})
	for _, kind := range []string{"notify", "req", "res"} {
		tw.Append([]string{"kind " + kind, strconv.FormatInt(st.ByKind[kind], 10)})
	}
	for reason, n := range st.ByReason {
		tw.Append([]string{"rejected " + reason, strconv.FormatInt(n, 10)})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printRecent(ctx context.Context, args []string) error {
	n := defaultRecent
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		n = v
	}

	tw := c.newTable("Time", "Dir", "Type", "ID", "Method", "Action", "Size")

	switch {
	case c.deps.Store != nil:
		frames, err := c.deps.Store.Recent(ctx, n, "")
		if err != nil {
			return err
		}
		for _, f := range frames {
			id := "-"
			if f.CorrelationID != nil {
				id = strconv.Itoa(int(*f.CorrelationID))
			}
			kind, method := f.Kind, f.ResolvedMethod
			if f.Status == db.StatusRejected {
				kind, method = "rejected", f.Reason
			}
			tw.Append([]string{
				f.Timestamp.Format("15:04:05.000"),
				direction(f.FromClient),
				kind,
				id,
				method,
				f.ActionName,
				strconv.Itoa(f.Size),
			})
		}

	case c.deps.Writer != nil:
		records, err := recorder.Last(c.deps.Writer.Path(), n)
		if err != nil {
			return err
		}
		for i := len(records) - 1; i >= 0; i-- {
			r := records[i]
			if !r.IsFrame() {
				continue
			}
			id, method, action := "-", "", ""
			if r.ID != nil {
				id = strconv.Itoa(int(*r.ID))
			}
			if r.Method != nil {
				method = *r.Method
			}
			if r.ActionName != nil {
				action = *r.ActionName
			}
			size := 0
			if payload, err := r.Payload(); err == nil {
				size = len(payload)
			}
			tw.Append([]string{
				r.Time().Format("15:04:05.000"),
				direction(r.FromClient != nil && *r.FromClient),
				r.Type,
				id,
				method,
				action,
				strconv.Itoa(size),
			})
		}

	default:
		return fmt.Errorf("no event sink is enabled")
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printMethods(ctx context.Context) error {
	if c.deps.Store == nil {
		return fmt.Errorf("database is disabled")
	}
	counts, err := c.deps.Store.MethodCounts(ctx)
	if err != nil {
		return err
	}

	tw := c.newTable("Method", "Kind", "Known", "Count")
	for _, mc := range counts {
		tw.Append([]string{
			mc.Method,
			mc.Kind,
			protocol.LookupMethod(mc.Method).String(),
			strconv.FormatInt(mc.Count, 10),
		})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printFlows() {
	if c.deps.Flows == nil {
		fmt.Fprintln(c.out, "Relay is not running")
		return
	}

	tw := c.newTable("Flow", "Host", "Path", "Remote", "Started", "Frames")
	for _, f := range c.deps.Flows.List() {
		tw.Append([]string{
			f.ID,
			f.Host,
			f.Path,
			f.Remote,
			f.StartedAt.Format(time.RFC3339),
			strconv.FormatInt(f.Frames, 10),
		})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdDecode(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: decode <hex bytes>")
	}

	frame, err := hex.DecodeString(strings.Join(args, ""))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}

	msg, err := c.parser.Parse(frame)
	if err != nil {
		return fmt.Errorf("%s: %w", protocol.Reason(err), err)
	}

	tw := c.newTable("Field", "Value")
	tw.Append([]string{"type", msg.Kind.String()})
	if id, ok := msg.CorrelationID(); ok {
		tw.Append([]string{"id", strconv.Itoa(int(id))})
	}
	if msg.HasMethod() {
		tw.Append([]string{"method", msg.Method})
		tw.Append([]string{"known", protocol.LookupMethod(msg.Method).String()})
	}
	tw.Append([]string{"data", base64.StdEncoding.EncodeToString(msg.Payload)})
	if msg.Action != nil {
		tw.Append([]string{"action_name", msg.Action.Name})
		tw.Append([]string{"action_data", base64.StdEncoding.EncodeToString(msg.Action.Payload)})
	}
	if msg.ActionErr != nil {
		tw.Append([]string{"action_error", msg.ActionErr.Error()})
	}

	fmt.Fprintln(c.out)
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: setconfig <section> <key> <value>")
	}

	section, key := args[0], args[1]
	value := parseValue(strings.Join(args[2:], " "))

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: section,
			Key:     key,
			Value:   value,
		},
	})

	fmt.Fprintf(c.out, "Config updated: %s.%s = %v\n", section, key, value)
	return nil
}

// parseValue turns console text into the JSON type a config key expects.
func parseValue(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	return s
}

func direction(fromClient bool) string {
	if fromClient {
		return "→"
	}
	return "←"
}
