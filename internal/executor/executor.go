// Package executor shells out to an external agent CLI and normalizes its
// output and failure modes. The engine never runs the agent directly; it
// goes through a Proxy so timeouts, pacing, quota detection, and output
// scrubbing happen in one place.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/appff/nightshift/internal/config"
)

const instrumentationName = "github.com/appff/nightshift/internal/executor"

// promptPlaceholder is replaced with the rendered prompt in argv templates.
// {query} is accepted as a synonym.
const promptPlaceholder = "{prompt}"

// ErrNoDriver means no configured driver command exists on PATH.
var ErrNoDriver = errors.New("no configured driver is available on PATH")

// maxOutputBytes caps captured driver output.
const maxOutputBytes = 4 * 1024 * 1024

// Proxy invokes one external agent CLI with pacing, a deadline, and typed
// failures.
type Proxy struct {
	name    string
	cfg     config.DriverConfig
	dir     string
	logger  *zap.Logger
	limiter *rate.Limiter

	tracer        trace.Tracer
	meter         metric.Meter
	invokeCounter metric.Int64Counter
	invokeSeconds metric.Float64Histogram
}

// New builds a proxy for the agent's active driver, falling back to the
// first other configured driver found on PATH when the active command is
// missing. dir is the working directory for invocations.
func New(agent config.AgentConfig, dir string, logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	name, cfg, err := pickDriver(agent, exec.LookPath, logger)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		name:    name,
		cfg:     cfg,
		dir:     dir,
		logger:  logger,
		limiter: newLimiter(cfg.MinInterval.Duration()),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func pickDriver(agent config.AgentConfig, lookPath func(string) (string, error), logger *zap.Logger) (string, config.DriverConfig, error) {
	active, ok := agent.Drivers[agent.Active]
	if !ok {
		return "", config.DriverConfig{}, fmt.Errorf("active driver %q is not configured", agent.Active)
	}
	if _, err := lookPath(active.Command); err == nil {
		return agent.Active, active, nil
	}

	// Deterministic fallback order.
	names := make([]string, 0, len(agent.Drivers))
	for name := range agent.Drivers {
		if name != agent.Active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := agent.Drivers[name]
		if _, err := lookPath(cfg.Command); err == nil {
			logger.Warn("active driver not on PATH, falling back",
				zap.String("active", agent.Active),
				zap.String("fallback", name),
			)
			return name, cfg, nil
		}
	}
	return "", config.DriverConfig{}, fmt.Errorf("%w: active %q", ErrNoDriver, agent.Active)
}

func newLimiter(minInterval time.Duration) *rate.Limiter {
	if minInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minInterval), 1)
}

func (p *Proxy) initMetrics() {
	var err error
	p.invokeCounter, err = p.meter.Int64Counter(
		"nightshift.executor.invocations_total",
		metric.WithDescription("Total number of driver invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		p.logger.Warn("failed to create invocation counter", zap.Error(err))
	}
	p.invokeSeconds, err = p.meter.Float64Histogram(
		"nightshift.executor.invocation_duration_seconds",
		metric.WithDescription("Driver invocation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		p.logger.Warn("failed to create invocation histogram", zap.Error(err))
	}
}

// Driver returns the name of the driver actually in use.
func (p *Proxy) Driver() string { return p.name }

// Invoke runs the driver with the prompt substituted into its argv template
// and returns the scrubbed output. Failures are *Failure values; transient
// process errors are retried with backoff up to the configured count.
func (p *Proxy) Invoke(ctx context.Context, prompt string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "executor.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("driver", p.name))

	var lastErr error
	attempts := p.cfg.Retries + 1
	backoff := time.Second
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying driver invocation",
				zap.String("driver", p.name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * p.retryBackoff())
		}

		out, err := p.invokeOnce(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var f *Failure
		if errors.As(err, &f) && f.Kind == KindProcessError {
			continue // only process errors are worth retrying
		}
		return "", err
	}
	return "", lastErr
}

func (p *Proxy) retryBackoff() float64 {
	if p.cfg.RetryBackoff > 1 {
		return p.cfg.RetryBackoff
	}
	return 2
}

func (p *Proxy) invokeOnce(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	timeout := p.cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := renderArgs(p.cfg.Args, prompt)
	cmd := exec.CommandContext(runCtx, p.cfg.Command, argv...)
	cmd.Dir = p.dir
	cmd.Env = overlayEnv(os.Environ(), p.cfg.Env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := Scrub(truncate(buf.String(), maxOutputBytes))
	p.record(ctx, err == nil, elapsed)
	p.logger.Debug("driver invocation finished",
		zap.String("driver", p.name),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", len(output)),
		zap.Error(err),
	)

	if err == nil {
		if isQuotaOutput(output) {
			// Some CLIs report quota exhaustion and still exit zero.
			return "", p.quotaFailure(output)
		}
		return output, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return "", &Failure{
			Kind:    KindTimeout,
			Driver:  p.name,
			Message: fmt.Sprintf("exceeded %s deadline", timeout),
			Output:  output,
			cause:   runCtx.Err(),
		}
	}
	if isQuotaOutput(output) {
		return "", p.quotaFailure(output)
	}
	return "", &Failure{
		Kind:    KindProcessError,
		Driver:  p.name,
		Message: err.Error(),
		Output:  output,
		cause:   err,
	}
}

func (p *Proxy) quotaFailure(output string) *Failure {
	return &Failure{
		Kind:    KindQuotaExceeded,
		Driver:  p.name,
		Message: "usage quota exhausted",
		ResetAt: parseResetAt(output, time.Now()),
		Output:  output,
	}
}

func (p *Proxy) record(ctx context.Context, ok bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("driver", p.name),
		attribute.Bool("ok", ok),
	)
	if p.invokeCounter != nil {
		p.invokeCounter.Add(ctx, 1, attrs)
	}
	if p.invokeSeconds != nil {
		p.invokeSeconds.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func renderArgs(template []string, prompt string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		arg = strings.ReplaceAll(arg, promptPlaceholder, prompt)
		arg = strings.ReplaceAll(arg, "{query}", prompt)
		out[i] = arg
	}
	return out
}

func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key := kv[:strings.IndexByte(kv, '=')+1]
		if _, shadowed := overlay[strings.TrimSuffix(key, "=")]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)
	spinnerRe = regexp.MustCompile(`(?m)^[\s]*[⠁⠂⠄⡀⢀⠠⠐⠈⣾⣽⣻⢿⡿⣟⣯⣷◐◓◑◒|/\\-]+[\s]*$`)
)

// Scrub strips ANSI escape sequences, carriage-return redraw artifacts, and
// spinner-only lines from driver output.
func Scrub(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	// Keep only the final state of lines redrawn with bare carriage returns.
	if strings.ContainsRune(s, '\r') {
		var b strings.Builder
		for _, line := range strings.Split(s, "\n") {
			if i := strings.LastIndexByte(line, '\r'); i >= 0 {
				line = line[i+1:]
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		s = strings.TrimSuffix(b.String(), "\n")
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if spinnerRe.MatchString(line) && strings.TrimSpace(line) != "" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
