// Package pr — тонкая обёртка для вывода в интерактивной консоли.
// Инициализирует readline с отменяемым stdin, переназначает stdout/stderr на его буферы
// и предоставляет функции печати для обычного и диагностического вывода.
// Мьютекс защищает только смену целевых writer'ов; сами записи не сериализуются.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

// ErrNotInteractive — stdin не является терминалом, консоль поднять нельзя.
var ErrNotInteractive = errors.New("pr: stdin is not a terminal")

var (
	rl           *readline.Instance
	out          io.Writer = os.Stdout
	errOut       io.Writer = os.Stderr
	mu           sync.Mutex
	cancelableIn interface{ Close() error }
)

// IsInteractive сообщает, подключён ли stdin к терминалу.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// TerminalWidth возвращает ширину терминала stdout или fallback.
func TerminalWidth(fallback int) int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// Init настраивает readline и перенаправляет потоки вывода на его stdout/stderr.
// Закрытие cancelable stdin приводит к io.EOF у Readline и выходу из ожидания ввода.
func Init(prompt string) error {
	if !IsInteractive() {
		return ErrNotInteractive
	}
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		Stdin:           cs,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		_ = cs.Close()
		return errors.Wrap(err, "pr: init readline")
	}

	mu.Lock()
	rl = newRl
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()
	return nil
}

// Close закрывает readline и возвращает вывод на os.Stdout/os.Stderr.
func Close() {
	mu.Lock()
	inst := rl
	rl = nil
	out = os.Stdout
	errOut = os.Stderr
	mu.Unlock()
	if inst != nil {
		_ = inst.Close()
	}
}

// InterruptReadline закрывает cancelable stdin: Readline() получает io.EOF и возвращается.
func InterruptReadline() {
	mu.Lock()
	in := cancelableIn
	mu.Unlock()
	if in != nil {
		_ = in.Close()
	}
}

// Rl возвращает текущий инстанс readline (nil до Init).
func Rl() *readline.Instance {
	mu.Lock()
	defer mu.Unlock()
	return rl
}

// SetWriters подменяет потоки вывода (тесты, неинтерактивный режим).
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if stdout != nil {
		out = stdout
	}
	if stderr != nil {
		errOut = stderr
	}
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer ошибок.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP pretty-печатает значение в Stdout.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
