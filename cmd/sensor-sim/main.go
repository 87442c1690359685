// Command sensor-sim replays synthetic multi-sensor days for French cities
// against a telemetry server, over HTTP or MQTT.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"beaconmap/telemetry-server/internal/model"
)

type options struct {
	URL       string
	Broker    string
	StartDate string
	Days      int
	Cities    int
	Pause     time.Duration
	Seed      int64
	Timeout   time.Duration
}

// sender delivers one batch and reports the server tally when one is available.
type sender interface {
	Send(ctx context.Context, c city, payload []byte) (*model.IngestResponse, error)
	Close()
}

type summary struct {
	Sent                 int
	Failed               int
	MeasurementsInserted int
	BeaconsCreated       int
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "sensor-sim",
		Short:         "Send synthetic sensor days to the telemetry server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			if err := run(ctx, opts, cmd.OutOrStdout(), logger); err != nil {
				logger.Error("simulation failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.URL, "url", "http://localhost:8080/postMeasurement", "ingestion endpoint")
	flags.StringVar(&opts.Broker, "broker", "", "publish over MQTT to this broker instead of HTTP, e.g. tcp://localhost:1883")
	flags.StringVar(&opts.StartDate, "start", "2025-11-25", "first simulated day (YYYY-MM-DD)")
	flags.IntVar(&opts.Days, "days", 6, "number of simulated days per city")
	flags.IntVar(&opts.Cities, "cities", len(cities), "number of cities to simulate")
	flags.DurationVar(&opts.Pause, "pause", 300*time.Millisecond, "pause between batches")
	flags.Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "random seed")
	flags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")

	return cmd
}

func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	start, err := time.Parse(time.DateOnly, opts.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", opts.StartDate, err)
	}
	if opts.Days < 1 {
		return fmt.Errorf("days must be at least 1, got %d", opts.Days)
	}
	if opts.Cities < 1 || opts.Cities > len(cities) {
		return fmt.Errorf("cities must be between 1 and %d, got %d", len(cities), opts.Cities)
	}

	var s sender
	if opts.Broker != "" {
		s, err = newMQTTSender(opts.Broker, opts.Timeout)
		if err != nil {
			return err
		}
	} else {
		s = &httpSender{url: opts.URL, client: &http.Client{Timeout: opts.Timeout}}
	}
	defer s.Close()

	gen := newGenerator(opts.Seed)
	sum := summary{}

	for _, c := range cities[:opts.Cities] {
		fmt.Fprintf(out, "Processing %s...\n", c.Name)

		for d := 0; d < opts.Days; d++ {
			date := start.AddDate(0, 0, d)
			payload, err := json.Marshal(gen.batch(c, date))
			if err != nil {
				return fmt.Errorf("encode batch: %w", err)
			}

			resp, err := s.Send(ctx, c, payload)
			switch {
			case errors.Is(err, context.Canceled):
				printSummary(out, sum, opts)
				return err
			case err != nil:
				sum.Failed++
				logger.Warn("batch rejected", "city", c.Name, "date", date.Format(time.DateOnly), "error", err)
			default:
				sum.Sent++
				if resp != nil {
					sum.MeasurementsInserted += resp.MeasurementsInserted
					sum.BeaconsCreated += resp.BeaconsCreated
				}
			}

			select {
			case <-ctx.Done():
				printSummary(out, sum, opts)
				return ctx.Err()
			case <-time.After(opts.Pause):
			}
		}
	}

	printSummary(out, sum, opts)
	return nil
}

func printSummary(out io.Writer, sum summary, opts options) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "SUMMARY")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Batches sent:          %d\n", sum.Sent)
	fmt.Fprintf(out, "Batches failed:        %d\n", sum.Failed)
	fmt.Fprintf(out, "Measurements inserted: %d\n", sum.MeasurementsInserted)
	fmt.Fprintf(out, "Beacons created:       %d\n", sum.BeaconsCreated)
	fmt.Fprintf(out, "Cities:                %d\n", opts.Cities)
	fmt.Fprintf(out, "Days from %s:   %d\n", opts.StartDate, opts.Days)
	fmt.Fprintf(out, "Readings per day:      %d x %d sensors = %d\n",
		readingsPerDay, len(profiles), readingsPerDay*len(profiles))
	fmt.Fprintln(out, rule)
}

type httpSender struct {
	url    string
	client *http.Client
}

func (h *httpSender) Send(ctx context.Context, _ city, payload []byte) (*model.IngestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode != http.StatusCreated {
		var rejected model.ErrorResponse
		if json.Unmarshal(body, &rejected) == nil && rejected.Message != "" {
			return nil, fmt.Errorf("status %d: %s", res.StatusCode, rejected.Message)
		}
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}

	var resp model.IngestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (h *httpSender) Close() {}

type mqttSender struct {
	client  mqtt.Client
	timeout time.Duration
}

func newMQTTSender(broker string, timeout time.Duration) (*mqttSender, error) {
	clientID := fmt.Sprintf("sensor-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", broker, err)
	}
	return &mqttSender{client: client, timeout: timeout}, nil
}

// Send publishes without a tally: the server answers MQTT batches only in its logs.
func (m *mqttSender) Send(ctx context.Context, c city, payload []byte) (*model.IngestResponse, error) {
	token := m.client.Publish(mqttTopic(c), 1, false, payload)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-token.Done():
	case <-time.After(m.timeout):
		return nil, errors.New("publish timed out")
	}
	return nil, token.Error()
}

func (m *mqttSender) Close() {
	m.client.Disconnect(250)
}

func mqttTopic(c city) string {
	return "beacons/" + strings.ToLower(c.Name) + "/measurements"
}
