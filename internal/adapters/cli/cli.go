// Package cli — интерактивная консоль оператора: снимки инстансов, ручные
// connect/disconnect/check, подписка на изменения и выгрузки. Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/infra/logger"
	"wa-instances/internal/infra/pr"
	"wa-instances/internal/infra/storage"
	"wa-instances/internal/store"
)

const commandTimeout = 30 * time.Second

// commandDescriptor описывает одну команду: имя, аргументы и описание для help.
type commandDescriptor struct {
	name        string
	args        string
	description string
}

// Имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "list", description: "Print snapshots of all known instances"},
	{name: "records", description: "Print persisted instance records"},
	{name: "status", args: "<id>", description: "Print instance snapshot"},
	{name: "dump", args: "<id>", description: "Pretty-print full instance snapshot"},
	{name: "connect", args: "<id>", description: "Request pairing (resets retries, leaves error state)"},
	{name: "disconnect", args: "<id>", description: "Close the instance session"},
	{name: "check", args: "<id>", description: "Verify that the instance is really connected"},
	{name: "watch", args: "<id>", description: "Subscribe to instance changes (starts polling)"},
	{name: "unwatch", args: "<id>", description: "Drop the console subscription"},
	{name: "qr", args: "<id> [file]", description: "Save current QR code as PNG"},
	{name: "export", args: "<file>", description: "Export persisted records as JSON"},
	{name: "cleanup", args: "<id>", description: "Forget an instance nobody watches"},
	{name: "exit", description: "Stop console and terminate the service"},
}

// Engine — операции движка, нужные консоли.
type Engine interface {
	Snapshot(id string) (engine.State, bool)
	Snapshots() []engine.State
	Subscribe(id string, fn engine.Listener) (func(), error)
	Polling(id string) bool
	ForceCheck(ctx context.Context, id string) (engine.CheckResult, error)
	RequestConnect(ctx context.Context, id string) error
	RequestDisconnect(ctx context.Context, id string) error
	Cleanup(id string) bool
}

// Records — журнал записей инстансов.
type Records interface {
	List() ([]store.Record, error)
	Export(path string) (int, error)
}

// Service инкапсулирует консоль и интегрируется в lifecycle приложения.
type Service struct {
	eng     Engine
	records Records
	stopApp context.CancelFunc
	qrDir   string

	mu      sync.Mutex
	watches map[string]func()

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp — глобальная остановка приложения
// (команда exit, Ctrl-C на пустой строке). qrDir — каталог для QR по умолчанию.
func NewService(eng Engine, records Records, stopApp context.CancelFunc, qrDir string) *Service {
	return &Service{
		eng:     eng,
		records: records,
		stopApp: stopApp,
		qrDir:   qrDir,
		watches: make(map[string]func()),
	}
}

// Start запускает цикл чтения команд. Повторные вызовы игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop прерывает readline, снимает подписки консоли и дожидается run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		pr.InterruptReadline()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.unwatchAll()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.Println("Console started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer pr.Close()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}
		rl := pr.Rl()
		if rl == nil {
			return
		}
		line, err := rl.Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}
		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers: '?' печатает help, Ctrl-C на пустой строке останавливает
// приложение, на непустой очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand выполняет одну команду. Возвращает true для "exit".
func (s *Service) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	if needsID(name) && len(args) == 0 {
		pr.ErrPrintf("%s: instance id required\n", name)
		return false
	}

	switch name {
	case "help":
		printCommandHelp()
	case "list":
		s.handleList()
	case "records":
		s.handleRecords()
	case "status":
		s.handleStatus(args[0])
	case "dump":
		if st, ok := s.eng.Snapshot(args[0]); ok {
			pr.PP(st)
		} else {
			pr.ErrPrintln("unknown instance:", args[0])
		}
	case "connect":
		s.withTimeout(ctx, func(cctx context.Context) {
			if err := s.eng.RequestConnect(cctx, args[0]); err != nil {
				pr.ErrPrintln("connect error:", err)
				return
			}
			pr.Println("Pairing requested for", args[0])
		})
	case "disconnect":
		s.withTimeout(ctx, func(cctx context.Context) {
			if err := s.eng.RequestDisconnect(cctx, args[0]); err != nil {
				pr.ErrPrintln("disconnect error:", err)
				return
			}
			pr.Println("Disconnected", args[0])
		})
	case "check":
		s.withTimeout(ctx, func(cctx context.Context) {
			res, err := s.eng.ForceCheck(cctx, args[0])
			if err != nil {
				pr.ErrPrintln("check error:", err)
				return
			}
			pr.Printf("connected=%t phone=%s\n", res.Connected, orDash(res.PhoneNumber))
		})
	case "watch":
		s.handleWatch(args[0])
	case "unwatch":
		if !s.unwatch(args[0]) {
			pr.ErrPrintln("not watching", args[0])
		}
	case "qr":
		target := ""
		if len(args) > 1 {
			target = args[1]
		}
		s.handleQR(args[0], target)
	case "export":
		s.handleExport(args[0])
	case "cleanup":
		if s.eng.Cleanup(args[0]) {
			pr.Println("Forgotten", args[0])
		} else {
			pr.ErrPrintln("instance is unknown or still watched:", args[0])
		}
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

func needsID(name string) bool {
	for _, d := range commandDescriptors {
		if d.name == name {
			return strings.HasPrefix(d.args, "<")
		}
	}
	return false
}

func (s *Service) withTimeout(ctx context.Context, fn func(ctx context.Context)) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	fn(cctx)
}

func (s *Service) handleList() {
	snaps := s.eng.Snapshots()
	if len(snaps) == 0 {
		pr.Println("No instances known yet.")
		return
	}
	for _, st := range snaps {
		pr.Println(formatState(st, s.eng.Polling(st.InstanceID)))
	}
	pr.Printf("Total instances: %d\n", len(snaps))
}

func (s *Service) handleRecords() {
	if s.records == nil {
		pr.ErrPrintln("record store is not available")
		return
	}
	recs, err := s.records.List()
	if err != nil {
		pr.ErrPrintln("records error:", err)
		return
	}
	for _, r := range recs {
		pr.Printf("%-20s %-13s really=%-5t phone=%s changed=%s\n",
			r.InstanceID, r.Status, r.ReallyConnected, orDash(r.PhoneNumber), formatTime(r.ChangedAt))
	}
	pr.Printf("Total records: %d\n", len(recs))
}

func (s *Service) handleStatus(id string) {
	st, ok := s.eng.Snapshot(id)
	if !ok {
		pr.ErrPrintln("unknown instance:", id)
		return
	}
	pr.Println(formatState(st, s.eng.Polling(id)))
	if st.LastError != "" {
		pr.Println("  last error:", st.LastError)
	}
}

// handleWatch подписывает консоль на инстанс. Подписка держит опрос активным.
func (s *Service) handleWatch(id string) {
	s.mu.Lock()
	if _, exists := s.watches[id]; exists {
		s.mu.Unlock()
		pr.Println("already watching", id)
		return
	}
	s.mu.Unlock()

	var last engine.Status
	unsubscribe, err := s.eng.Subscribe(id, func(st engine.State) {
		if st.Status == last && !st.IsStuck {
			return
		}
		last = st.Status
		pr.Println("[watch]", formatState(st, true))
	})
	if err != nil {
		pr.ErrPrintln("watch error:", err)
		return
	}

	s.mu.Lock()
	s.watches[id] = unsubscribe
	s.mu.Unlock()
}

func (s *Service) unwatch(id string) bool {
	s.mu.Lock()
	unsubscribe, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		unsubscribe()
	}
	return ok
}

func (s *Service) unwatchAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watches))
	for id := range s.watches {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.unwatch(id)
	}
}

// handleQR сохраняет текущий QR инстанса в PNG.
func (s *Service) handleQR(id, target string) {
	st, ok := s.eng.Snapshot(id)
	if !ok || st.QRCode == "" {
		pr.ErrPrintln("no qr code for", id)
		return
	}
	_, data, err := engine.DecodeDataURI(st.QRCode)
	if err != nil {
		pr.ErrPrintln("qr error:", err)
		return
	}
	if target == "" {
		target = filepath.Join(s.qrDir, id+"-qr.png")
	}
	if err := storage.AtomicWriteFile(target, data); err != nil {
		pr.ErrPrintln("qr write error:", err)
		return
	}
	pr.Println("QR saved to", target)
}

func (s *Service) handleExport(path string) {
	if s.records == nil {
		pr.ErrPrintln("record store is not available")
		return
	}
	n, err := s.records.Export(path)
	if err != nil {
		pr.ErrPrintln("export error:", err)
		return
	}
	pr.Printf("Exported %d records to %s\n", n, path)
}

// formatState — строка снимка для консоли.
func formatState(st engine.State, polling bool) string {
	flags := make([]string, 0, 3)
	if st.ReallyConnected {
		flags = append(flags, "verified")
	}
	if st.IsStuck {
		flags = append(flags, "stuck")
	}
	if polling {
		flags = append(flags, "polling")
	}
	sort.Strings(flags)
	return fmt.Sprintf("%-20s %-13s retries=%d phone=%s since=%s [%s]",
		st.InstanceID, st.Status, st.RetryCount, orDash(st.PhoneNumber), formatTime(st.LastChangeAt), strings.Join(flags, ","))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "<never>"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> <args> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		usage := strings.TrimSpace(d.name + " " + d.args)
		lines = append(lines, fmt.Sprintf("  %-18s - %s", usage, d.description))
	}
	return lines
}
