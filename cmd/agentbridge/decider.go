package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bazelment/yoloswe/agentbridge/config"
	"github.com/bazelment/yoloswe/agentbridge/rpcbridge"
)

type resolver interface {
	ResolveElicitation(ctx context.Context, callKey string, decision rpcbridge.Decision) error
}

// decider picks the answer to an elicitation: the --auto-decision option
// when set, else the user's choice at the prompt, else denied.
type decider struct {
	table  atomic.Pointer[config.DecisionTable]
	prompt *prompter
	logger *slog.Logger
	auto   string
}

func newDecider(table config.DecisionTable, auto string, logger *slog.Logger) *decider {
	d := &decider{auto: auto, logger: logger}
	d.setTable(table)
	return d
}

func (d *decider) setTable(t config.DecisionTable) {
	d.table.Store(&t)
}

func (d *decider) decide(n rpcbridge.Notification) rpcbridge.Decision {
	table := *d.table.Load()
	option := d.auto
	if option == "" && d.prompt != nil {
		var err error
		option, err = d.prompt.ask(n, table.Options())
		if err != nil {
			d.logger.Warn("prompt failed, denying", append(logAttrs(n), "error", err)...)
			return rpcbridge.DecisionDenied
		}
	}
	if option == "" {
		return rpcbridge.DecisionDenied
	}
	decision, ok := table.Lookup(option)
	if !ok {
		d.logger.Warn("unknown decision option, denying", append(logAttrs(n), "option", option)...)
		return rpcbridge.DecisionDenied
	}
	return decision
}

// handle decides and resolves. Returns the decision sent.
func (d *decider) handle(ctx context.Context, r resolver, n rpcbridge.Notification) rpcbridge.Decision {
	decision := d.decide(n)
	if err := r.ResolveElicitation(ctx, n.CallKey, decision); err != nil {
		d.logger.Warn("resolve elicitation failed", append(logAttrs(n), "error", err)...)
	}
	return decision
}

// prompter asks the user on a terminal. Prompts are serialized.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// ask shows the elicitation and reads one option. A number picks from
// options by position; anything else is returned as typed.
func (p *prompter) ask(n rpcbridge.Notification, options []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s requests approval", n.Method)
	if n.CallKey != "" {
		fmt.Fprintf(p.out, " [%s]", n.CallKey)
	}
	fmt.Fprintln(p.out)
	if len(n.Params) > 0 {
		fmt.Fprintf(p.out, "  %s\n", n.Params)
	}
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(p.out, "> ")

	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", err
	}
	if idx, convErr := strconv.Atoi(line); convErr == nil && idx >= 1 && idx <= len(options) {
		return options[idx-1], nil
	}
	return line, nil
}

func logAttrs(n rpcbridge.Notification) []any {
	return []any{slog.String("method", n.Method), slog.String("call_key", n.CallKey)}
}
