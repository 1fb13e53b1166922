package web

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"wa-instances/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
)

// LogEntry — одна запись JSON-лога.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Caller    string `json:"caller,omitempty"`
	Message   string `json:"message"`
	Instance  string `json:"instance,omitempty"`
}

const (
	logsPageSize       = 200
	paginationMaxPages = 100
	maxLogFileSize     = 100 * 1024 * 1024
	logTimestampLayout = "2006-01-02 15:04:05"
)

// handleAPILogs возвращает страницу лога, новые записи сверху.
// ?instance= оставляет только записи указанного инстанса.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.LogFile == "" {
		writeError(w, http.StatusNotFound, "log file not configured")
		return
	}
	page := parsePage(r)
	instance := strings.TrimSpace(r.URL.Query().Get("instance"))

	entries, totalPages, err := readLogs(s.opts.LogFile, instance, page, logsPageSize)
	if err != nil {
		logger.Errorf("Failed to read logs: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":       page,
		"totalPages": totalPages,
		"entries":    entries,
	})
}

// parsePage извлекает номер страницы из запроса
func parsePage(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return min(page, paginationMaxPages)
}

func readLogs(path, instance string, page, pageSize int) ([]LogEntry, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open log file")
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, 0, errors.Wrap(err, "stat log file")
	}
	if stat.Size() > maxLogFileSize {
		return nil, 0, errors.Errorf("log file too large: %d bytes (max %d), consider log rotation",
			stat.Size(), maxLogFileSize)
	}

	var all []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry := parseLogLine(scanner.Text())
		if instance != "" && entry.Instance != instance {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "read log file")
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	totalPages := (len(all) + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []LogEntry{}, totalPages, nil
	}
	end := min(start+pageSize, len(all))
	return all[start:end], totalPages, nil
}

// parseLogLine разбирает строку NDJSON. Нераспознанная строка отдаётся как есть.
func parseLogLine(line string) LogEntry {
	var raw struct {
		Level    string `json:"level"`
		Time     string `json:"time"`
		Caller   string `json:"caller"`
		Msg      string `json:"msg"`
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{Level: "UNKNOWN", Message: line}
	}
	return LogEntry{
		Timestamp: normalizeLogTimestamp(raw.Time),
		Level:     strings.ToUpper(raw.Level),
		Caller:    raw.Caller,
		Message:   raw.Msg,
		Instance:  raw.Instance,
	}
}

// normalizeLogTimestamp приводит время zap к "2006-01-02 15:04:05" в локальной зоне.
func normalizeLogTimestamp(value string) string {
	if value == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999Z0700", "2006-01-02T15:04:05Z0700", time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Local().Format(logTimestampLayout)
		}
	}
	return value
}
