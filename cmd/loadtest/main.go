package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotency-Replayed"

	codeTransportError = "transport_error"
	codeDecodeError    = "decode_error"
	codeTimeout        = "await_timeout"
)

type loadMode string

const (
	// modeCreate — только POST /orders.
	modeCreate loadMode = "create"
	// modeCreateReplay — POST /orders и повтор с тем же Idempotency-Key.
	modeCreateReplay loadMode = "create-replay"
	// modeCreateAwait — POST /orders и опрос GET /orders/:id до финального статуса саги.
	modeCreateAwait loadMode = "create-await"
)

type config struct {
	baseURL      string
	total        int
	totalSet     bool
	duration     time.Duration
	concurrency  int
	timeout      time.Duration
	mode         loadMode
	products     []string
	maxItems     int
	maxQty       int
	currency     string
	pollInterval time.Duration
	awaitTimeout time.Duration
	seed         uint64
	outputPath   string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Outcomes          map[string]int64        `json:"outcomes,omitempty"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu       sync.Mutex
	methods  map[string]*methodStats
	outcomes map[string]int64
}

func newCollector() *collector {
	return &collector{
		methods:  make(map[string]*methodStats),
		outcomes: make(map[string]int64),
	}
}

func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.methods[method]
	if !exists {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

// outcome считает финальные статусы заказов в режиме create-await.
func (c *collector) outcome(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[status]++
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[name]
	if !ok {
		return methodReport{}, false
	}
	return stats.report(), true
}

func (s *methodStats) report() methodReport {
	codesCopy := make(map[string]int64, len(s.codes))
	for code, count := range s.codes {
		codesCopy[code] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     codesCopy,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods["scenario"]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		result.Methods[name] = stats.report()
	}
	if len(c.outcomes) > 0 {
		result.Outcomes = make(map[string]int64, len(c.outcomes))
		for status, count := range c.outcomes {
			result.Outcomes[status] = count
		}
	}

	return result
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		modeValue     string
		productsValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "order service HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-replay | create-await")
	fs.StringVar(&productsValue, "products", "p-1", "comma-separated product ids known to inventory")
	fs.IntVar(&cfg.maxItems, "max-items", 3, "max items per order")
	fs.IntVar(&cfg.maxQty, "max-qty", 2, "max quantity per item")
	fs.StringVar(&cfg.currency, "currency", "", "order currency; empty uses service default")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 50*time.Millisecond, "status poll interval in create-await mode")
	fs.DurationVar(&cfg.awaitTimeout, "await-timeout", 10*time.Second, "max wait for terminal status in create-await mode")
	fs.Uint64Var(&cfg.seed, "seed", 0, "fake data seed; 0 uses current time")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.products = splitList(productsValue)
	cfg.currency = strings.ToUpper(strings.TrimSpace(cfg.currency))
	if cfg.seed == 0 {
		cfg.seed = uint64(time.Now().UnixNano())
	}

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case len(cfg.products) == 0:
		return cfg, errors.New("at least one product is required")
	case cfg.maxItems <= 0:
		return cfg, errors.New("max-items must be > 0")
	case cfg.maxQty <= 0:
		return cfg, errors.New("max-qty must be > 0")
	case cfg.currency != "" && len(cfg.currency) != 3:
		return cfg, fmt.Errorf("currency must be a 3-letter code: %s", cfg.currency)
	case cfg.mode == modeCreateAwait && (cfg.pollInterval <= 0 || cfg.awaitTimeout <= 0):
		return cfg, errors.New("poll-interval and await-timeout must be > 0")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeCreateReplay:
		return modeCreateReplay, nil
	case modeCreateAwait:
		return modeCreateAwait, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := execute(newHTTPOrderClient(cfg.baseURL), cfg)

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func execute(client orderClient, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		// Свой генератор на воркер: Faker не рассчитан на конкурентный доступ.
		faker := gofakeit.New(cfg.seed + uint64(workerID))
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(client, faker, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func buildOrder(f *gofakeit.Faker, cfg config) orders.CreateOrderInput {
	in := orders.CreateOrderInput{
		UserID:   f.UUID(),
		Currency: cfg.currency,
		ShippingInfo: orders.ShippingInput{
			Name:       f.Name(),
			Address:    f.Street(),
			City:       f.City(),
			PostalCode: f.Zip(),
			Country:    f.Country(),
		},
	}
	items := f.Number(1, cfg.maxItems)
	for i := 0; i < items; i++ {
		productID := cfg.products[f.Number(0, len(cfg.products)-1)]
		in.Items = append(in.Items, orders.ItemInput{
			ProductID: productID,
			SKU:       "SKU-" + productID,
			Quantity:  int32(f.Number(1, cfg.maxQty)),
			UnitPrice: int64(f.Number(100, 10_000)),
		})
	}
	return in
}

func runScenario(client orderClient, f *gofakeit.Faker, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	scenarioCode := "ok"
	defer func() {
		if err != nil && scenarioCode == "ok" {
			scenarioCode = "error"
		}
		col.record("scenario", time.Since(scenarioStart), scenarioCode, err == nil)
	}()

	in := buildOrder(f, cfg)
	key := fmt.Sprintf("lt-%s-%d", runID, index)

	created, err := callCreate(client, cfg.timeout, in, key, "CreateOrder", col)
	if err != nil {
		scenarioCode = created.code
		return err
	}
	if created.order.ID == "" {
		scenarioCode = codeDecodeError
		return errors.New("create response returned empty order id")
	}

	switch cfg.mode {
	case modeCreateReplay:
		replay, err := callCreate(client, cfg.timeout, in, key, "CreateOrderReplay", col)
		if err != nil {
			scenarioCode = replay.code
			return err
		}
		if !replay.replayed || replay.order.ID != created.order.ID {
			scenarioCode = "not_replayed"
			return fmt.Errorf("idempotent retry for %s returned order %s (replayed=%t)", created.order.ID, replay.order.ID, replay.replayed)
		}
	case modeCreateAwait:
		status, err := awaitTerminal(client, cfg, created.order.ID, col)
		if err != nil {
			scenarioCode = codeTimeout
			return err
		}
		col.outcome(status)
	}

	return nil
}

func callCreate(client orderClient, timeout time.Duration, in orders.CreateOrderInput, key, method string, col *collector) (createResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := client.Create(ctx, in, key)
	col.record(method, time.Since(start), res.code, err == nil)
	return res, err
}

func awaitTerminal(client orderClient, cfg config, orderID string, col *collector) (string, error) {
	deadline := time.Now().Add(cfg.awaitTimeout)
	for {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		order, code, err := client.Get(ctx, orderID)
		cancel()
		col.record("GetOrder", time.Since(start), code, err == nil)

		if err == nil && domain.OrderStatus(order.Status).IsTerminal() {
			return order.Status, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("order %s did not reach terminal status in %s", orderID, cfg.awaitTimeout)
		}
		time.Sleep(cfg.pollInterval)
	}
}

// orderView содержит поля ответа, нужные нагрузочному тесту.
type orderView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type createResult struct {
	order    orderView
	code     string
	replayed bool
}

type orderClient interface {
	Create(ctx context.Context, in orders.CreateOrderInput, idempotencyKey string) (createResult, error)
	Get(ctx context.Context, orderID string) (orderView, string, error)
}

// httpOrderClient ходит в HTTP API через fasthttp-клиент fiber.
type httpOrderClient struct {
	baseURL string
}

func newHTTPOrderClient(baseURL string) *httpOrderClient {
	return &httpOrderClient{baseURL: baseURL}
}

func (c *httpOrderClient) Create(ctx context.Context, in orders.CreateOrderInput, idempotencyKey string) (createResult, error) {
	agent := fiber.Post(c.baseURL + "/orders").JSON(in)
	agent.Set(idempotencyHeader, idempotencyKey)

	var replayed bool
	status, body, err := c.do(ctx, agent, func(resp *fiber.Response) {
		replayed = string(resp.Header.Peek(replayedHeader)) == "true"
	})
	res := createResult{code: status, replayed: replayed}
	if err != nil {
		return res, err
	}
	if status != strconv.Itoa(fiber.StatusCreated) {
		return res, fmt.Errorf("create order: unexpected status %s: %s", status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &res.order); err != nil {
		res.code = codeDecodeError
		return res, fmt.Errorf("decode create response: %w", err)
	}
	return res, nil
}

func (c *httpOrderClient) Get(ctx context.Context, orderID string) (orderView, string, error) {
	status, body, err := c.do(ctx, fiber.Get(c.baseURL+"/orders/"+orderID), nil)
	if err != nil {
		return orderView{}, status, err
	}
	if status != strconv.Itoa(fiber.StatusOK) {
		return orderView{}, status, fmt.Errorf("get order %s: unexpected status %s", orderID, status)
	}
	var order orderView
	if err := json.Unmarshal(body, &order); err != nil {
		return orderView{}, codeDecodeError, fmt.Errorf("decode order: %w", err)
	}
	return order, status, nil
}

func (c *httpOrderClient) do(ctx context.Context, agent *fiber.Agent, inspect func(*fiber.Response)) (string, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	}
	if err := agent.Parse(); err != nil {
		return codeTransportError, nil, fmt.Errorf("prepare request: %w", err)
	}

	resp := fiber.AcquireResponse()
	defer fiber.ReleaseResponse(resp)
	agent.SetResponse(resp)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return codeTransportError, nil, errors.Join(errs...)
	}
	if inspect != nil {
		inspect(resp)
	}
	return strconv.Itoa(code), append([]byte(nil), body...), nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	if len(result.Outcomes) > 0 {
		statuses := make([]string, 0, len(result.Outcomes))
		for status := range result.Outcomes {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", status, result.Outcomes[status]))
		}
		_, _ = fmt.Fprintf(w, "outcomes: %s\n", strings.Join(parts, " "))
	}

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
