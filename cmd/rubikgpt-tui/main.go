package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/checkpoint"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

type fieldType int

const (
	fieldString fieldType = iota
	fieldInt
	fieldFloat
	fieldBool
	fieldChoice
)

type cfgField struct {
	Key     string
	Label   string
	Type    fieldType
	Value   string
	Desc    string
	Choices []string
}

type stepMetrics struct {
	step        int
	total       int
	loss        string
	lr          string
	gradNorm    string
	effBatch    string
	lossScale   string
	stepsPerSec string
	elapsed     string
	eta         string
	heapMB      string
	gc          string
	goroutines  string
}

type evalMetrics struct {
	step      int
	trainLoss float64
	valLoss   float64
	bestVal   float64
	improved  bool
	saved     bool
}

type sysStats struct {
	cpuPct     float64
	memUsedMB  int64
	memFreeMB  int64
	memTotalMB int64
	procRSSKB  int64
	pid        int
}

type cpuSample struct {
	total uint64
	idle  uint64
}

type styles struct {
	title      lipgloss.Style
	tab        lipgloss.Style
	tabActive  lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	selected   lipgloss.Style
	dim        lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	graphLoss  lipgloss.Style
	graphSPS   lipgloss.Style
	graphCPU   lipgloss.Style
	graphEval  lipgloss.Style
	graphMem   lipgloss.Style
	splash     lipgloss.Style
	splashText lipgloss.Style
}

type monitorMetric struct {
	Name   string
	Series []float64
	Color  lipgloss.Style
	What   string
	Why    string
	Read   string
}

type model struct {
	width  int
	height int
	styles styles
	tabs   []string
	tabIdx int

	dataset  string
	fields   []cfgField
	fieldIdx int
	editing  bool
	editor   textinput.Model
	status   string
	running  bool

	monitorMode  int
	monitorIdx   int
	monitorFocus bool

	cmd    *exec.Cmd
	pid    int
	lineCh chan string
	doneCh chan error

	logs        []string
	trainView   viewport.Model
	logView     viewport.Model
	monitorView viewport.Model
	lastStep    stepMetrics
	lastEval    evalMetrics
	lastCkpt    string
	sys         sysStats
	prevCPUS    cpuSample
	spin        spinner.Model
	help        help.Model
	keys        keyMap
	runs        []checkpoint.RunInfo
	lastError   string

	sampleView      viewport.Model
	sampleRawLines  []string
	samplePathInput textinput.Model
	sampleEditPath  bool
	sampleTemp      float64
	sampleTokens    int
	sampleWaiting   bool

	lossSeries  []float64
	valSeries   []float64
	gapSeries   []float64
	pplSeries   []float64
	lrSeries    []float64
	gnormSeries []float64
	spsSeries   []float64
	scaleSeries []float64
	heapSeries  []float64
	gorSeries   []float64
	gcSeries    []float64
	cpuSeries   []float64
	ramSeries   []float64
	rssSeries   []float64

	lossAnim   float64
	lossVel    float64
	valAnim    float64
	valVel     float64
	spsAnim    float64
	spsVel     float64
	cpuAnim    float64
	cpuVel     float64
	animPrimed bool

	splashActive      bool
	splashStarted     time.Time
	splashMinDuration time.Duration
	splashProgress    float64
	splashProgressVel float64
	splashGlow        float64
	splashGlowVel     float64
	splashSpring      harmonica.Spring
	graphSpring       harmonica.Spring
}

type keyMap struct {
	Start    key.Binding
	Stop     key.Binding
	Quit     key.Binding
	TabNext  key.Binding
	TabPrev  key.Binding
	Up       key.Binding
	Down     key.Binding
	Edit     key.Binding
	Apply    key.Binding
	Cancel   key.Binding
	Cycle    key.Binding
	Preset1  key.Binding
	Preset2  key.Binding
	Refresh  key.Binding
	ClearLog key.Binding
	Path     key.Binding
	TempUp   key.Binding
	TempDown key.Binding
	TokUp    key.Binding
	TokDown  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.TabNext, k.Edit, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Start, k.Stop, k.ClearLog, k.Refresh, k.Quit},
		{k.TabNext, k.TabPrev, k.Up, k.Down},
		{k.Edit, k.Apply, k.Cancel, k.Cycle},
		{k.Preset1, k.Preset2},
		{k.Path, k.TempDown, k.TempUp, k.TokDown, k.TokUp},
	}
}

var stepRE = regexp.MustCompile(`\[step\]\s+(\d+)/(\d+)\s+loss=(\S+)\s+lr=(\S+)\s+grad_norm=(\S+)\s+eff_batch=(\d+)\s+loss_scale=(\S+)\s+steps_per_sec=(\S+)\s+elapsed=(\S+)\s+eta=(\S+)\s+heap_alloc_mb=(\S+)\s+gc=(\d+)\s+goroutines=(\d+)`)
var evalRE = regexp.MustCompile(`\[eval\]\s+step=(\d+)\s+train_loss=(\S+)\s+val_loss=(\S+)\s+best_val=(\S+)\s+improved=(true|false)\s+saved=(true|false)`)

const ckptPrefix = "[ckpt] saved: "

type sysTickMsg struct {
	stats sysStats
	next  cpuSample
	ts    time.Time
}

type lineMsg string
type doneMsg struct{ err error }
type refreshMsg struct{}
type animTickMsg struct{ ts time.Time }
type sampleResponseMsg struct {
	text string
	err  error
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(brand),
		tab:        lipgloss.NewStyle().Padding(0, 1).Foreground(subtle),
		tabActive:  lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("15")).Background(brand),
		panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(brand),
		selected:   lipgloss.NewStyle().Bold(true).Foreground(brand),
		dim:        lipgloss.NewStyle().Foreground(subtle),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		graphLoss:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		graphSPS:   lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		graphCPU:   lipgloss.NewStyle().Foreground(lipgloss.Color("111")),
		graphEval:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		graphMem:   lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		splash:     lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(brand).Padding(1, 3),
		splashText: lipgloss.NewStyle().Bold(true).Foreground(brand),
	}
}

// fieldSpecs lists the editable knobs in display order. Values are filled
// from the resolved dataset profile, so switching datasets reloads them.
func fieldSpecs() []cfgField {
	return []cfgField{
		{Key: "SEED_OFFSET", Label: "Seed Offset", Type: fieldInt, Desc: "Added to the base RNG seed; change for a fresh replica"},
		{Key: "BATCH_SIZE", Label: "Micro-Batch Size", Type: fieldInt, Desc: "Rows per micro-batch"},
		{Key: "GRAD_ACCUM_STEPS", Label: "Grad Accum Steps", Type: fieldInt, Desc: "Micro-batches accumulated per optimizer step"},
		{Key: "N_LAYER", Label: "Layers", Type: fieldInt, Desc: "Transformer block count"},
		{Key: "N_HEAD", Label: "Attention Heads", Type: fieldInt, Desc: "Head count; must divide N_EMBD"},
		{Key: "N_EMBD", Label: "Embedding Size", Type: fieldInt, Desc: "Embedding width"},
		{Key: "DROPOUT", Label: "Dropout", Type: fieldFloat, Desc: "Dropout probability during training"},
		{Key: "BIAS", Label: "Linear Bias", Type: fieldBool, Desc: "Add bias vectors to linear layers"},
		{Key: "LEARNING_RATE", Label: "Learning Rate", Type: fieldFloat, Desc: "Peak learning rate after warmup"},
		{Key: "WEIGHT_DECAY", Label: "Weight Decay", Type: fieldFloat, Desc: "Decoupled decay on matrix weights"},
		{Key: "BETA1", Label: "Adam Beta1", Type: fieldFloat, Desc: "Adam momentum term"},
		{Key: "BETA2", Label: "Adam Beta2", Type: fieldFloat, Desc: "Adam variance term"},
		{Key: "GRAD_CLIP", Label: "Grad Clip", Type: fieldFloat, Desc: "Global-norm clip threshold; 0 disables"},
		{Key: "DECAY_LR", Label: "Decay LR", Type: fieldBool, Desc: "Enable warmup plus cosine decay"},
		{Key: "WARMUP_ITERS", Label: "Warmup Iters", Type: fieldInt, Desc: "Linear warmup length"},
		{Key: "LR_DECAY_ITERS", Label: "LR Decay Iters", Type: fieldInt, Desc: "Step where cosine decay reaches the floor"},
		{Key: "MIN_LR", Label: "Min LR", Type: fieldFloat, Desc: "Learning-rate floor"},
		{Key: "MAX_ITERS", Label: "Max Iters", Type: fieldInt, Desc: "Total optimizer steps"},
		{Key: "EVAL_INTERVAL", Label: "Eval Interval", Type: fieldInt, Desc: "Steps between validation passes"},
		{Key: "EVAL_ITERS", Label: "Eval Iters", Type: fieldInt, Desc: "Micro-batches averaged per validation pass"},
		{Key: "LOG_INTERVAL", Label: "Log Interval", Type: fieldInt, Desc: "Steps between [step] lines"},
		{Key: "ALWAYS_SAVE_CHECKPOINT", Label: "Always Save", Type: fieldBool, Desc: "Save after every eval, not just improvements"},
		{Key: "DTYPE", Label: "Precision", Type: fieldChoice, Desc: "Arithmetic rounding mode", Choices: []string{"float32", "bfloat16", "float16"}},
		{Key: "COMPILE", Label: "Compile", Type: fieldBool, Desc: "Accepted for config compatibility"},
		{Key: "OUTPUT_ROOT", Label: "Output Root", Type: fieldString, Desc: "Directory that holds run checkpoints"},
		{Key: "RUN_NAME", Label: "Run Name", Type: fieldString, Desc: "Optional run id; empty picks a random one"},
	}
}

func initialModel() model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))

	ed := textinput.New()
	ed.CharLimit = 256
	ed.Width = 36

	pathIn := textinput.New()
	pathIn.CharLimit = 600

	logVP := viewport.New(100, 16)
	logVP.SetContent("logs will appear here")
	trainVP := viewport.New(100, 16)
	trainVP.SetContent("config will appear here")
	monVP := viewport.New(100, 20)
	monVP.SetContent("monitor will appear here")
	sampleVP := viewport.New(100, 16)
	sampleVP.SetContent("generated rows will appear here")

	m := model{
		styles:            defaultStyles(),
		tabs:              []string{"Config", "Monitor", "Logs", "Runs", "Sample"},
		dataset:           config.ProfileIDs()[0],
		fields:            fieldSpecs(),
		editor:            ed,
		status:            "idle",
		lineCh:            make(chan string, 4096),
		doneCh:            make(chan error, 1),
		spin:              sp,
		trainView:         trainVP,
		logView:           logVP,
		monitorView:       monVP,
		sampleView:        sampleVP,
		samplePathInput:   pathIn,
		sampleTemp:        0.8,
		sampleTokens:      0,
		help:              help.New(),
		splashActive:      true,
		splashStarted:     time.Now(),
		splashMinDuration: 1800 * time.Millisecond,
		splashSpring:      harmonica.NewSpring(harmonica.FPS(30), 8.0, 0.72),
		graphSpring:       harmonica.NewSpring(harmonica.FPS(30), 6.0, 1.0),
		keys: keyMap{
			Start:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")),
			Stop:     key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")),
			Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
			TabNext:  key.NewBinding(key.WithKeys("tab", "l"), key.WithHelp("tab/l", "next tab")),
			TabPrev:  key.NewBinding(key.WithKeys("shift+tab", "h"), key.WithHelp("shift+tab/h", "prev tab")),
			Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("up/k", "up")),
			Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("down/j", "down")),
			Edit:     key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit")),
			Apply:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply")),
			Cancel:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel edit")),
			Cycle:    key.NewBinding(key.WithKeys("space"), key.WithHelp("space", "cycle toggle")),
			Preset1:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "cube profile")),
			Preset2:  key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "puzzle profile")),
			Refresh:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh runs")),
			ClearLog: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear logs")),
			Path:     key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "edit sample path")),
			TempDown: key.NewBinding(key.WithKeys("["), key.WithHelp("[", "temp -0.05")),
			TempUp:   key.NewBinding(key.WithKeys("]"), key.WithHelp("]", "temp +0.05")),
			TokDown:  key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "tokens -10")),
			TokUp:    key.NewBinding(key.WithKeys("="), key.WithHelp("=", "tokens +10")),
		},
	}
	m.loadProfile(m.dataset)
	m.refreshRuns()
	m.addSampleLine("[system] sample ready")
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitLineCmd(m.lineCh), waitDoneCmd(m.doneCh), sysTickCmd(m.pid, m.prevCPUS), refreshCmd(), animTickCmd())
}

func waitLineCmd(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		ln := <-ch
		return lineMsg(ln)
	}
}

func waitDoneCmd(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err := <-ch
		return doneMsg{err: err}
	}
}

func sysTickCmd(pid int, prev cpuSample) tea.Cmd {
	return tea.Tick(1*time.Second, func(now time.Time) tea.Msg {
		stats, next := sampleSystem(pid, prev)
		return sysTickMsg{stats: stats, next: next, ts: now}
	})
}

func refreshCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return refreshMsg{} })
}

func animTickCmd() tea.Cmd {
	return tea.Tick(time.Second/30, func(ts time.Time) tea.Msg { return animTickMsg{ts: ts} })
}

// trainerCommand prefers the rubikgpt binary next to the TUI executable,
// then PATH, then a local source build.
func trainerCommand(args ...string) *exec.Cmd {
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), "rubikgpt")
		if _, err := os.Stat(cand); err == nil {
			return exec.Command(cand, args...)
		}
	}
	if p, err := exec.LookPath("rubikgpt"); err == nil {
		return exec.Command(p, args...)
	}
	return exec.Command("go", append([]string{"run", "./cmd/rubikgpt"}, args...)...)
}

func sampleCmd(ckptPath string, temperature float64, maxNew int) tea.Cmd {
	return func() tea.Msg {
		args := []string{"sample", "--checkpoint", ckptPath, "-t", fmt.Sprintf("%.2f", temperature)}
		if maxNew > 0 {
			args = append(args, "-n", strconv.Itoa(maxNew))
		}
		out, err := trainerCommand(args...).CombinedOutput()
		if err != nil {
			return sampleResponseMsg{err: fmt.Errorf("%v | %s", err, strings.TrimSpace(string(out)))}
		}
		return sampleResponseMsg{text: strings.TrimSpace(string(out))}
	}
}

func (m *model) addSampleLine(line string) {
	m.sampleRawLines = append(m.sampleRawLines, line)
	if len(m.sampleRawLines) > 2000 {
		m.sampleRawLines = m.sampleRawLines[len(m.sampleRawLines)-2000:]
	}
	m.sampleView.SetContent(strings.Join(m.sampleRawLines, "\n"))
	m.sampleView.GotoBottom()
}

func (m *model) fieldByKey(key string) *cfgField {
	for i := range m.fields {
		if m.fields[i].Key == key {
			return &m.fields[i]
		}
	}
	return nil
}

// loadProfile resets field values to the resolved configuration of the
// given dataset profile.
func (m *model) loadProfile(dataset string) {
	cfg, err := config.Resolve(dataset)
	if err != nil {
		m.lastError = err.Error()
		return
	}
	m.dataset = dataset
	vals := map[string]string{
		"SEED_OFFSET":            strconv.Itoa(cfg.SeedOffset),
		"BATCH_SIZE":             strconv.Itoa(cfg.BatchSize),
		"GRAD_ACCUM_STEPS":       strconv.Itoa(cfg.GradAccumSteps),
		"N_LAYER":                strconv.Itoa(cfg.Model.NLayer),
		"N_HEAD":                 strconv.Itoa(cfg.Model.NHead),
		"N_EMBD":                 strconv.Itoa(cfg.Model.NEmbd),
		"DROPOUT":                strconv.FormatFloat(cfg.Model.Dropout, 'g', -1, 64),
		"BIAS":                   strconv.FormatBool(cfg.Model.Bias),
		"LEARNING_RATE":          strconv.FormatFloat(cfg.Optim.LearningRate, 'g', -1, 64),
		"WEIGHT_DECAY":           strconv.FormatFloat(cfg.Optim.WeightDecay, 'g', -1, 64),
		"BETA1":                  strconv.FormatFloat(cfg.Optim.Beta1, 'g', -1, 64),
		"BETA2":                  strconv.FormatFloat(cfg.Optim.Beta2, 'g', -1, 64),
		"GRAD_CLIP":              strconv.FormatFloat(cfg.Optim.GradClip, 'g', -1, 64),
		"DECAY_LR":               strconv.FormatBool(cfg.Optim.DecayLR),
		"WARMUP_ITERS":           strconv.Itoa(cfg.Optim.WarmupIters),
		"LR_DECAY_ITERS":         strconv.Itoa(cfg.Optim.LRDecayIters),
		"MIN_LR":                 strconv.FormatFloat(cfg.Optim.MinLR, 'g', -1, 64),
		"MAX_ITERS":              strconv.Itoa(cfg.Schedule.MaxIters),
		"EVAL_INTERVAL":          strconv.Itoa(cfg.Schedule.EvalInterval),
		"EVAL_ITERS":             strconv.Itoa(cfg.Schedule.EvalIters),
		"LOG_INTERVAL":           strconv.Itoa(cfg.Schedule.LogInterval),
		"ALWAYS_SAVE_CHECKPOINT": strconv.FormatBool(cfg.Schedule.AlwaysSaveCheckpoint),
		"DTYPE":                  string(cfg.DType),
		"COMPILE":                strconv.FormatBool(cfg.Compile),
		"OUTPUT_ROOT":            cfg.OutputRoot,
		"RUN_NAME":               cfg.RunName,
	}
	for i := range m.fields {
		if v, ok := vals[m.fields[i].Key]; ok {
			m.fields[i].Value = v
		}
	}
	m.lastError = ""
	m.appendLog("[system] profile loaded: " + dataset)
}

func (m *model) cycleField(i int) {
	if i < 0 || i >= len(m.fields) {
		return
	}
	f := &m.fields[i]
	switch f.Type {
	case fieldBool:
		if strings.EqualFold(f.Value, "true") {
			f.Value = "false"
		} else {
			f.Value = "true"
		}
	case fieldChoice:
		if len(f.Choices) == 0 {
			return
		}
		idx := 0
		for j, c := range f.Choices {
			if c == f.Value {
				idx = j
				break
			}
		}
		f.Value = f.Choices[(idx+1)%len(f.Choices)]
	}
}

func (m *model) startEdit() {
	if m.running || m.tabIdx != 0 {
		return
	}
	f := m.fields[m.fieldIdx]
	m.editing = true
	m.editor.SetValue(f.Value)
	m.editor.Placeholder = f.Label
	m.editor.Focus()
}

func (m *model) applyEdit() {
	if !m.editing {
		return
	}
	m.fields[m.fieldIdx].Value = strings.TrimSpace(m.editor.Value())
	m.editing = false
	m.editor.Blur()
}

func (m *model) cancelEdit() {
	if !m.editing {
		return
	}
	m.editing = false
	m.editor.Blur()
}

// overrideLayer turns the edited fields into a config layer. Resolving it
// up front surfaces the same ConfigError the trainer would report.
func (m *model) overrideLayer() config.Layer {
	l := config.Layer{}
	for _, f := range m.fields {
		l[f.Key] = strings.TrimSpace(f.Value)
	}
	return l
}

func (m *model) validateFields() error {
	_, err := config.Resolve(m.dataset, m.overrideLayer())
	return err
}

func (m *model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > 3500 {
		m.logs = m.logs[len(m.logs)-3500:]
	}
	m.logView.SetContent(strings.Join(m.logs, "\n"))
	m.logView.GotoBottom()
}

func (m *model) startTraining() {
	if m.running {
		m.appendLog("[system] training already running")
		return
	}
	if err := m.validateFields(); err != nil {
		m.lastError = err.Error()
		m.appendLog("[system] config validation failed: " + err.Error())
		return
	}

	cmd := trainerCommand("train", "--dataset", m.dataset)
	cmd.Env = os.Environ()
	for k, v := range m.overrideLayer() {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.appendLog("[system] failed stdout pipe: " + err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.appendLog("[system] failed stderr pipe: " + err.Error())
		return
	}

	m.appendLog("[system] starting training on " + m.dataset)
	if err := cmd.Start(); err != nil {
		m.appendLog("[system] failed start: " + err.Error())
		return
	}
	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.running = true
	m.status = "running"
	m.lastStep = stepMetrics{}
	m.lastEval = evalMetrics{}
	m.lastCkpt = ""
	m.monitorMode = 0
	m.monitorIdx = 0
	m.monitorFocus = false
	m.lossSeries = nil
	m.valSeries = nil
	m.gapSeries = nil
	m.pplSeries = nil
	m.lrSeries = nil
	m.gnormSeries = nil
	m.spsSeries = nil
	m.scaleSeries = nil
	m.heapSeries = nil
	m.gorSeries = nil
	m.gcSeries = nil
	m.cpuSeries = nil
	m.ramSeries = nil
	m.rssSeries = nil
	m.animPrimed = false
	m.appendLog(fmt.Sprintf("[system] pid=%d", m.pid))

	pump := func(sc *bufio.Scanner) {
		for sc.Scan() {
			m.lineCh <- sc.Text()
		}
	}
	go pump(bufio.NewScanner(stdout))
	go pump(bufio.NewScanner(stderr))
	go func() { m.doneCh <- cmd.Wait() }()
}

func (m *model) stopTraining() {
	if !m.running || m.cmd == nil || m.cmd.Process == nil {
		m.appendLog("[system] no active training process")
		return
	}
	m.appendLog("[system] stop requested")
	_ = m.cmd.Process.Signal(syscall.SIGINT)
	go func(proc *os.Process) {
		time.Sleep(800 * time.Millisecond)
		_ = proc.Kill()
	}(m.cmd.Process)
}

func (m *model) refreshRuns() {
	root := "out"
	if f := m.fieldByKey("OUTPUT_ROOT"); f != nil && strings.TrimSpace(f.Value) != "" {
		root = strings.TrimSpace(f.Value)
	}
	runs, err := checkpoint.ListRuns(root)
	if err != nil {
		return
	}
	m.runs = runs
	if strings.TrimSpace(m.samplePathInput.Value()) == "" && len(runs) > 0 {
		m.samplePathInput.SetValue(filepath.Join(runs[0].Path, checkpoint.FileName))
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	m.spin, cmd = m.spin.Update(msg)
	cmds = append(cmds, cmd)

	if m.editing {
		m.editor, cmd = m.editor.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.tabIdx == 4 && m.sampleEditPath {
		m.samplePathInput, cmd = m.samplePathInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.logView, cmd = m.logView.Update(msg)
	cmds = append(cmds, cmd)
	m.trainView, cmd = m.trainView.Update(msg)
	cmds = append(cmds, cmd)
	m.monitorView, cmd = m.monitorView.Update(msg)
	cmds = append(cmds, cmd)
	m.sampleView, cmd = m.sampleView.Update(msg)
	cmds = append(cmds, cmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.trainView.Width = max(60, m.width-8)
		m.trainView.Height = max(9, m.height-20)
		m.logView.Width = max(60, m.width-8)
		m.logView.Height = max(9, m.height-20)
		m.monitorView.Width = max(60, m.width-8)
		m.monitorView.Height = max(8, m.height-18)
		m.sampleView.Width = max(50, m.width-12)
		m.sampleView.Height = max(8, m.height-18)
		m.editor.Width = max(24, min(64, m.width/2))
		m.samplePathInput.Width = max(28, m.width-12)

	case tea.KeyMsg:
		s := msg.String()
		if m.editing {
			switch s {
			case "enter":
				m.applyEdit()
			case "esc":
				m.cancelEdit()
			}
			break
		}
		if m.tabIdx == 4 && m.sampleEditPath && !m.splashActive {
			switch s {
			case "ctrl+c":
				if m.running {
					m.stopTraining()
				}
				return m, tea.Quit
			case "enter", "esc":
				m.sampleEditPath = false
				m.samplePathInput.Blur()
				if s == "enter" {
					m.addSampleLine("[system] checkpoint set: " + strings.TrimSpace(m.samplePathInput.Value()))
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch s {
		case "q", "ctrl+c":
			if m.running {
				m.stopTraining()
			}
			return m, tea.Quit
		case "tab", "l":
			if m.splashActive {
				break
			}
			m.tabIdx = (m.tabIdx + 1) % len(m.tabs)
		case "shift+tab", "h":
			if m.splashActive {
				break
			}
			m.tabIdx = (m.tabIdx - 1 + len(m.tabs)) % len(m.tabs)
		case "j", "down":
			if m.splashActive {
				break
			}
			if m.tabIdx == 0 {
				m.fieldIdx = min(len(m.fields)-1, m.fieldIdx+1)
			} else if m.tabIdx == 1 {
				metrics := m.currentMonitorMetrics()
				if len(metrics) > 0 {
					m.monitorIdx = min(len(metrics)-1, m.monitorIdx+1)
				}
				m.monitorView.LineDown(1)
			}
		case "k", "up":
			if m.splashActive {
				break
			}
			if m.tabIdx == 0 {
				m.fieldIdx = max(0, m.fieldIdx-1)
			} else if m.tabIdx == 1 {
				m.monitorIdx = max(0, m.monitorIdx-1)
				m.monitorView.LineUp(1)
			}
		case "left":
			if m.tabIdx == 1 && !m.splashActive {
				m.monitorMode = (m.monitorMode + 3) % 4
				m.monitorIdx = 0
			}
		case "right":
			if m.tabIdx == 1 && !m.splashActive {
				m.monitorMode = (m.monitorMode + 1) % 4
				m.monitorIdx = 0
			}
		case "pgup", "ctrl+u":
			switch m.tabIdx {
			case 0:
				m.trainView.PageUp()
			case 1:
				m.monitorView.PageUp()
			case 2:
				m.logView.PageUp()
			case 4:
				m.sampleView.PageUp()
			}
		case "pgdown", "ctrl+d":
			switch m.tabIdx {
			case 0:
				m.trainView.PageDown()
			case 1:
				m.monitorView.PageDown()
			case 2:
				m.logView.PageDown()
			case 4:
				m.sampleView.PageDown()
			}
		case "home":
			switch m.tabIdx {
			case 1:
				m.monitorView.GotoTop()
			case 2:
				m.logView.GotoTop()
			case 4:
				m.sampleView.GotoTop()
			}
		case "end":
			switch m.tabIdx {
			case 1:
				m.monitorView.GotoBottom()
			case 2:
				m.logView.GotoBottom()
			case 4:
				m.sampleView.GotoBottom()
			}
		case "e":
			if m.tabIdx == 0 && !m.splashActive {
				m.startEdit()
			}
		case "space":
			if m.splashActive {
				m.splashActive = false
				break
			}
			if m.tabIdx == 0 {
				m.cycleField(m.fieldIdx)
			}
		case "enter":
			if m.splashActive {
				m.splashActive = false
				break
			}
			switch m.tabIdx {
			case 0:
				m.startEdit()
			case 1:
				m.monitorFocus = !m.monitorFocus
			case 4:
				if !m.sampleWaiting {
					ckpt := strings.TrimSpace(m.samplePathInput.Value())
					if ckpt == "" {
						m.addSampleLine("[system] no checkpoint selected; train first or press p")
						break
					}
					if _, err := os.Stat(ckpt); err != nil {
						m.addSampleLine("[system] checkpoint not found: " + ckpt)
						break
					}
					m.sampleWaiting = true
					m.addSampleLine(fmt.Sprintf("[sample] temperature=%.2f tokens=%d", m.sampleTemp, m.sampleTokens))
					cmds = append(cmds, sampleCmd(ckpt, m.sampleTemp, m.sampleTokens))
				}
			}
		case "1":
			if m.tabIdx == 0 && !m.running && !m.splashActive {
				m.loadProfile(config.ProfileIDs()[0])
			}
		case "2":
			if m.tabIdx == 0 && !m.running && !m.splashActive {
				m.loadProfile(config.ProfileIDs()[1])
			}
		case "s":
			if !m.splashActive {
				m.startTraining()
			}
		case "x":
			if !m.splashActive {
				m.stopTraining()
			}
		case "c":
			if m.splashActive {
				break
			}
			if m.tabIdx == 4 {
				m.sampleRawLines = nil
				m.sampleView.SetContent("")
			} else {
				m.logs = nil
				m.logView.SetContent("")
			}
		case "r":
			if !m.splashActive {
				m.refreshRuns()
			}
		case "p":
			if m.tabIdx == 4 && !m.splashActive {
				m.sampleEditPath = true
				m.samplePathInput.Focus()
			}
		case "esc":
			if m.splashActive {
				m.splashActive = false
				break
			}
			if m.tabIdx == 1 {
				m.monitorFocus = false
			}
		case "]":
			if m.tabIdx == 4 && !m.sampleWaiting {
				m.sampleTemp = math.Min(1.8, m.sampleTemp+0.05)
			}
		case "[":
			if m.tabIdx == 4 && !m.sampleWaiting {
				m.sampleTemp = math.Max(0.1, m.sampleTemp-0.05)
			}
		case "=":
			if m.tabIdx == 4 && !m.sampleWaiting {
				m.sampleTokens = min(2000, m.sampleTokens+10)
			}
		case "-":
			if m.tabIdx == 4 && !m.sampleWaiting {
				m.sampleTokens = max(0, m.sampleTokens-10)
			}
		}

	case lineMsg:
		line := string(msg)
		if line == "" {
			break
		}
		m.appendLog(line)
		if strings.HasPrefix(line, ckptPrefix) {
			m.lastCkpt = strings.TrimSpace(strings.TrimPrefix(line, ckptPrefix))
		}
		if mt := stepRE.FindStringSubmatch(line); len(mt) == 14 {
			st, _ := strconv.Atoi(mt[1])
			tot, _ := strconv.Atoi(mt[2])
			m.lastStep = stepMetrics{step: st, total: tot, loss: mt[3], lr: mt[4], gradNorm: mt[5], effBatch: mt[6], lossScale: mt[7], stepsPerSec: mt[8], elapsed: mt[9], eta: mt[10], heapMB: mt[11], gc: mt[12], goroutines: mt[13]}
			if loss, err := strconv.ParseFloat(mt[3], 64); err == nil {
				m.lossSeries = appendSeries(m.lossSeries, loss, 5000)
			}
			if lr, err := strconv.ParseFloat(mt[4], 64); err == nil {
				m.lrSeries = appendSeries(m.lrSeries, lr, 5000)
			}
			if gn, err := strconv.ParseFloat(mt[5], 64); err == nil {
				m.gnormSeries = appendSeries(m.gnormSeries, gn, 5000)
			}
			if sc, err := strconv.ParseFloat(mt[7], 64); err == nil {
				m.scaleSeries = appendSeries(m.scaleSeries, sc, 5000)
			}
			if sps, err := strconv.ParseFloat(mt[8], 64); err == nil {
				m.spsSeries = appendSeries(m.spsSeries, sps, 5000)
			}
			if heap, err := strconv.ParseFloat(mt[11], 64); err == nil {
				m.heapSeries = appendSeries(m.heapSeries, heap, 5000)
			}
			if gc, err := strconv.ParseFloat(mt[12], 64); err == nil {
				m.gcSeries = appendSeries(m.gcSeries, gc, 5000)
			}
			if gor, err := strconv.ParseFloat(mt[13], 64); err == nil {
				m.gorSeries = appendSeries(m.gorSeries, gor, 5000)
			}
		}
		if ev := evalRE.FindStringSubmatch(line); len(ev) == 7 {
			step, _ := strconv.Atoi(ev[1])
			trainLoss, _ := strconv.ParseFloat(ev[2], 64)
			valLoss, _ := strconv.ParseFloat(ev[3], 64)
			bestVal, _ := strconv.ParseFloat(ev[4], 64)
			m.lastEval = evalMetrics{
				step:      step,
				trainLoss: trainLoss,
				valLoss:   valLoss,
				bestVal:   bestVal,
				improved:  strings.EqualFold(ev[5], "true"),
				saved:     strings.EqualFold(ev[6], "true"),
			}
			m.valSeries = appendSeries(m.valSeries, valLoss, 5000)
			m.gapSeries = appendSeries(m.gapSeries, valLoss-trainLoss, 5000)
			if valLoss < 20 {
				m.pplSeries = appendSeries(m.pplSeries, math.Exp(valLoss), 5000)
			}
		}
		cmds = append(cmds, waitLineCmd(m.lineCh))

	case doneMsg:
		m.running = false
		m.pid = 0
		if msg.err != nil {
			m.status = "error"
			m.lastError = msg.err.Error()
			m.appendLog("[system] process ended with error: " + msg.err.Error())
		} else {
			m.status = "completed"
			m.appendLog("[system] training completed")
		}
		m.refreshRuns()
		cmds = append(cmds, waitDoneCmd(m.doneCh))

	case sysTickMsg:
		m.sys = msg.stats
		m.prevCPUS = msg.next
		m.cpuSeries = appendSeries(m.cpuSeries, m.sys.cpuPct, 5000)
		m.ramSeries = appendSeries(m.ramSeries, float64(m.sys.memUsedMB), 5000)
		m.rssSeries = appendSeries(m.rssSeries, float64(m.sys.procRSSKB)/1024.0, 5000)
		cmds = append(cmds, sysTickCmd(m.pid, m.prevCPUS))

	case refreshMsg:
		m.refreshRuns()
		cmds = append(cmds, refreshCmd())

	case animTickMsg:
		m.animateMetrics()
		if m.splashActive {
			m.splashProgress, m.splashProgressVel = m.splashSpring.Update(m.splashProgress, m.splashProgressVel, 1.0)
			glowTarget := 0.5 + 0.5*math.Sin(float64(msg.ts.UnixNano())/1e9*4.0)
			m.splashGlow, m.splashGlowVel = m.splashSpring.Update(m.splashGlow, m.splashGlowVel, glowTarget)
			if time.Since(m.splashStarted) >= m.splashMinDuration && m.splashProgress >= 0.995 {
				m.splashActive = false
			}
		}
		cmds = append(cmds, animTickCmd())

	case sampleResponseMsg:
		m.sampleWaiting = false
		if msg.err != nil {
			m.addSampleLine("[system] sampling error: " + msg.err.Error())
		} else {
			text := msg.text
			if text == "" {
				text = "(no output)"
			}
			for _, ln := range strings.Split(text, "\n") {
				m.addSampleLine(ln)
			}
		}
	}

	return m, tea.Batch(cmds...)
}

func (m model) renderTabs() string {
	parts := make([]string, len(m.tabs))
	for i, t := range m.tabs {
		if i == m.tabIdx {
			parts[i] = m.styles.tabActive.Render(t)
		} else {
			parts[i] = m.styles.tab.Render(t)
		}
	}
	return strings.Join(parts, " ")
}

func (m model) progressBar(w int) string {
	if w < 10 {
		w = 10
	}
	step, total := m.displayProgress()
	ratio := 0.0
	if total > 0 {
		ratio = float64(step) / float64(total)
	}
	done := int(math.Round(ratio * float64(w)))
	if done < 0 {
		done = 0
	}
	if done > w {
		done = w
	}
	return strings.Repeat("#", done) + strings.Repeat("-", w-done)
}

func (m model) displayProgress() (int, int) {
	if m.lastStep.total > 0 {
		return m.lastStep.step, m.lastStep.total
	}
	if f := m.fieldByKey("MAX_ITERS"); f != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(f.Value)); err == nil && n > 0 {
			return 0, n
		}
	}
	return 0, 0
}

func (m model) panel(title string, lines []string, w int) string {
	return m.styles.panel.Width(panelInnerWidth(w)).Render(m.styles.panelTitle.Render(title) + "\n" + strings.Join(lines, "\n"))
}

func panelInnerWidth(total int) int {
	// Rounded border plus horizontal padding.
	return max(8, total-4)
}

func (m model) viewConfigTab(w, h int) string {
	maxRows := max(8, min(22, h/2))
	start := max(0, m.fieldIdx-maxRows/2)
	if start+maxRows > len(m.fields) {
		start = max(0, len(m.fields)-maxRows)
	}
	end := min(len(m.fields), start+maxRows)

	lines := make([]string, 0, (end-start)+4)
	lines = append(lines, "  DATASET            = "+m.dataset, "")
	for i := start; i < end; i++ {
		f := m.fields[i]
		line := fmt.Sprintf("  %-22s = %s", f.Key, f.Value)
		if i == m.fieldIdx {
			line = m.styles.selected.Render("> " + fmt.Sprintf("%-22s = %s", f.Key, f.Value))
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", m.styles.dim.Render(fmt.Sprintf("Showing %d-%d of %d fields", start+1, end, len(m.fields))))
	cfg := m.panel("Run Configuration", lines, w)

	desc := m.fields[m.fieldIdx]
	detailLines := []string{
		"Selected: " + desc.Label,
		desc.Desc,
		"",
		"Profiles: 1=" + config.ProfileIDs()[0] + " 2=" + config.ProfileIDs()[1],
		"Edit: e or enter | cycle: space (bool/choice)",
		"Run: s start | x stop",
	}
	if m.editing {
		detailLines = append(detailLines, "", "Editing: "+m.editor.View(), "Enter=apply Esc=cancel")
	}
	if m.lastError != "" {
		detailLines = append(detailLines, "", m.styles.warn.Render("Last Error: "+m.lastError))
	}
	info := m.panel("Field Detail", detailLines, w)
	topH := max(8, int(float64(h)*0.56))
	botH := max(8, h-topH-1)
	return lipgloss.JoinVertical(lipgloss.Top, fitHeight(cfg, topH), fitHeight(info, botH))
}

func (m model) configRightColumn(w, h int) string {
	step, total := m.displayProgress()
	evalLine := "Eval: pending"
	if m.lastEval.step > 0 || m.lastEval.valLoss > 0 {
		evalLine = fmt.Sprintf("Eval: step %d | val %.4f | best %.4f", m.lastEval.step, m.lastEval.valLoss, m.lastEval.bestVal)
	}
	summary := m.panel("Runtime Summary", []string{
		"Status: " + m.status,
		fmt.Sprintf("Step: %d/%d", step, total),
		fmt.Sprintf("Loss: %s | Steps/s: %s", nz(m.lastStep.loss, "-"), nz(m.lastStep.stepsPerSec, "-")),
		fmt.Sprintf("Grad norm: %s | Loss scale: %s", nz(m.lastStep.gradNorm, "-"), nz(m.lastStep.lossScale, "-")),
		evalLine,
		"Loss graph: " + m.styles.graphLoss.Render(sparkline(m.lossSeries, max(10, w-16))),
		fmt.Sprintf("CPU %.1f%% | RAM %d/%dMB", m.sys.cpuPct, m.sys.memUsedMB, m.sys.memTotalMB),
		"Latest checkpoint: " + pathOrDash(m.lastCkpt),
	}, w)

	lastLogs := []string{"Latest log lines:"}
	if len(m.logs) == 0 {
		lastLogs = append(lastLogs, m.styles.dim.Render("(no logs yet)"))
	} else {
		start := max(0, len(m.logs)-8)
		for _, ln := range m.logs[start:] {
			lastLogs = append(lastLogs, truncateWithEllipsis(ln, max(18, w-8)))
		}
	}
	activity := m.panel("Recent Activity", lastLogs, w)

	topH := max(9, int(float64(h)*0.44))
	botH := max(8, h-topH-1)
	return lipgloss.JoinVertical(lipgloss.Top, fitHeight(summary, topH), fitHeight(activity, botH))
}

func (m model) viewMonitorTab(w, h int) string {
	status := m.styles.ok.Render(strings.ToUpper(m.status))
	if m.running {
		status = m.styles.warn.Render(m.spin.View() + " RUNNING")
	}
	step, total := m.displayProgress()
	evalState := "no eval yet"
	if m.lastEval.step > 0 || m.lastEval.valLoss > 0 {
		evalState = fmt.Sprintf(
			"Eval step %d | train %.4f | val %.4f | best %.4f | gap %.4f | improved=%t saved=%t",
			m.lastEval.step,
			m.lastEval.trainLoss,
			m.lastEval.valLoss,
			m.lastEval.bestVal,
			m.lastEval.valLoss-m.lastEval.trainLoss,
			m.lastEval.improved,
			m.lastEval.saved,
		)
	}
	info := m.panel("Training Monitor", []string{
		"Status: " + status,
		fmt.Sprintf("Progress: %d/%d", step, total),
		m.progressBar(max(14, w-8)),
		fmt.Sprintf("Loss=%s | LR=%s | Grad=%s | Scale=%s | ETA=%s", nz(m.lastStep.loss, "-"), nz(m.lastStep.lr, "-"), nz(m.lastStep.gradNorm, "-"), nz(m.lastStep.lossScale, "-"), nz(m.lastStep.eta, "-")),
		evalState,
		fmt.Sprintf("CPU %.1f%% | RAM %d/%dMB free %dMB", m.sys.cpuPct, m.sys.memUsedMB, m.sys.memTotalMB, m.sys.memFreeMB),
		fmt.Sprintf("PID %d | RSS %dKB | Effective batch %s", m.sys.pid, m.sys.procRSSKB, nz(m.lastStep.effBatch, "-")),
		"Latest checkpoint: " + pathOrDash(m.lastCkpt),
	}, w)
	metrics := m.currentMonitorMetrics()
	idx := m.monitorIdx
	if idx >= len(metrics) && len(metrics) > 0 {
		idx = len(metrics) - 1
	}
	if idx < 0 {
		idx = 0
	}
	selected := monitorMetric{}
	if len(metrics) > 0 {
		selected = metrics[idx]
	}
	availW := max(48, w-2)
	rightW := min(40, max(26, availW/3))
	leftW := max(30, availW-rightW-2)
	if leftW < 34 {
		leftW = 34
		rightW = max(24, availW-leftW-2)
	}

	var graphWrap string
	if m.monitorFocus && selected.Name != "" {
		chartW := max(18, leftW-12)
		chartH := max(7, h-lipgloss.Height(info)-16)
		lines := []string{"Selected: " + selected.Name, ""}
		for _, ln := range lineChart(selected.Series, chartW, chartH) {
			lines = append(lines, selected.Color.Render(ln))
		}
		if latest, minV, maxV, ok := seriesStats(selected.Series); ok {
			delta := 0.0
			if len(selected.Series) >= 2 {
				delta = selected.Series[len(selected.Series)-1] - selected.Series[len(selected.Series)-2]
			}
			lines = append(lines, "", fmt.Sprintf("latest %.4f | delta %+0.4f | min %.4f | max %.4f | n=%d", latest, delta, minV, maxV, len(selected.Series)))
		}
		lines = append(lines, "")
		lines = append(lines, wrapText("What: "+selected.What, max(14, leftW-6))...)
		lines = append(lines, wrapText("Why: "+selected.Why, max(14, leftW-6))...)
		lines = append(lines, wrapText("How to read: "+selected.Read, max(14, leftW-6))...)
		lines = append(lines, "", m.styles.dim.Render("Press Enter or Esc to exit focus mode"))
		graphWrap = m.panel("Live Graphs (Metric Focus)", lines, leftW)
	} else {
		var graphRows []string
		if len(metrics) == 0 {
			graphRows = append(graphRows, "No metrics available yet.")
		} else {
			labelW := 24
			statsW := max(16, min(30, leftW/3))
			sparkW := max(8, leftW-labelW-statsW-8)
			for i, g := range metrics {
				name := truncateWithEllipsis(g.Name, labelW)
				prefix := "  "
				if i == idx {
					prefix = m.styles.selected.Render("> ")
				}
				spark := g.Color.Render(sparkline(g.Series, sparkW))
				stats := "n=0"
				if latest, _, _, ok := seriesStats(g.Series); ok {
					delta := 0.0
					if len(g.Series) >= 2 {
						delta = g.Series[len(g.Series)-1] - g.Series[len(g.Series)-2]
					}
					stats = fmt.Sprintf("l %.3f d %+0.3f n=%d", latest, delta, len(g.Series))
				}
				graphRows = append(graphRows, fmt.Sprintf("%s%-24s %s %s", prefix, name, spark, truncateWithEllipsis(stats, statsW)))
				graphRows = append(graphRows, "")
			}
		}
		graphRows = append(graphRows, "", m.styles.dim.Render(fmt.Sprintf("Showing %d metrics. Enter: focus selected metric.", len(metrics))))
		graphWrap = m.panel("Live Graphs", graphRows, leftW)
	}
	modeNames := []string{"All", "Core", "Eval", "System"}
	modeName := modeNames[0]
	if m.monitorMode >= 0 && m.monitorMode < len(modeNames) {
		modeName = modeNames[m.monitorMode]
	}
	explorer := make([]string, 0, 24)
	explorer = append(explorer, "Category: "+modeName)
	explorer = append(explorer, wrapText("left/right: category, up/down: metric", max(12, rightW-6))...)
	explorer = append(explorer, "", "Metrics:")
	for i, g := range metrics {
		line := "  " + truncateWithEllipsis(g.Name, max(10, rightW-8))
		if i == idx {
			line = m.styles.selected.Render("> " + truncateWithEllipsis(g.Name, max(10, rightW-9)))
		}
		explorer = append(explorer, line)
	}
	if selected.Name != "" {
		explorer = append(explorer, "", "Selected: "+selected.Name)
		explorer = append(explorer, wrapText("What: "+selected.What, max(14, rightW-6))...)
		explorer = append(explorer, wrapText("Why: "+selected.Why, max(14, rightW-6))...)
	}
	explorePanel := m.panel("Metric Explorer", explorer, rightW)
	var mid string
	if w < 130 {
		mid = lipgloss.JoinVertical(lipgloss.Top, graphWrap, explorePanel)
	} else {
		mid = lipgloss.JoinHorizontal(lipgloss.Top, graphWrap, "  ", explorePanel)
	}
	midH := max(6, h-lipgloss.Height(info)-1)
	mv := m.monitorView
	mv.Width = max(30, availW)
	mv.Height = max(6, midH)
	mv.SetContent(mid)
	return lipgloss.JoinVertical(lipgloss.Top, info, mv.View())
}

func (m model) viewRunsTab(w int) string {
	lines := []string{"Saved runs, newest first:"}
	if len(m.runs) == 0 {
		lines = append(lines, m.styles.dim.Render("(none yet)"))
	} else {
		for _, r := range m.runs {
			lines = append(lines, fmt.Sprintf("  %-10s %-16s step %-6d best %.4f  %s",
				r.RunID, r.Record.RunConfig.DatasetID, r.Record.Step, r.Record.BestValLoss, r.Started))
			lines = append(lines, m.styles.dim.Render("    "+truncateWithEllipsis(r.Path, max(20, w-10))))
		}
	}
	lines = append(lines, "", "Press r to refresh")
	return m.panel("Runs", lines, w)
}

func (m model) viewLogsTab(w, h int) string {
	lv := m.logView
	innerW := max(20, panelInnerWidth(w)-2)
	lv.Width = innerW
	lv.Height = max(4, h-5)

	wrapped := make([]string, 0, len(m.logs)*2)
	for _, ln := range m.logs {
		wrapped = append(wrapped, wrapText(ln, innerW)...)
	}
	lv.SetContent(strings.Join(wrapped, "\n"))
	lv.GotoBottom()

	body := m.styles.panel.Width(panelInnerWidth(w)).Render(m.styles.panelTitle.Render("Live Logs") + "\n" + lv.View())
	return fitHeight(body, h)
}

func (m model) viewSampleTab(w, h int) string {
	status := "ready"
	if m.sampleWaiting {
		status = m.spin.View() + " generating..."
	}
	ckpt := pathOrDash(strings.TrimSpace(m.samplePathInput.Value()))

	leftW := max(42, int(float64(w)*0.66))
	rightW := max(24, w-leftW-2)
	if rightW > 44 {
		rightW = 44
		leftW = max(42, w-rightW-2)
	}
	composerH := 4
	topH := max(8, h-composerH-1)

	sv := m.sampleView
	sv.Width = max(34, leftW-6)
	sv.Height = max(6, topH-2)

	out := m.styles.panel.Width(panelInnerWidth(leftW)).Render(m.styles.panelTitle.Render("Generated Rows") + "\n" + sv.View())
	tokens := "one block"
	if m.sampleTokens > 0 {
		tokens = strconv.Itoa(m.sampleTokens)
	}
	controls := m.panel("Sampler", []string{
		"Status: " + status,
		"Checkpoint:",
		truncateWithEllipsis(ckpt, max(16, rightW-6)),
		fmt.Sprintf("Temperature: %.2f", m.sampleTemp),
		"Max tokens: " + tokens,
		"",
		"Enter: generate",
		"p: edit checkpoint path",
		"[ ]: temp  - =: tokens",
		"c: clear output",
	}, rightW)
	side := fitHeight(controls, topH)
	top := lipgloss.JoinHorizontal(lipgloss.Top, out, "  ", side)

	inputLabel := "Checkpoint Path"
	input := m.styles.dim.Render("Press p to edit, Enter to generate")
	if m.sampleEditPath {
		inputLabel = "Checkpoint Path (Enter to apply)"
		input = m.samplePathInput.View()
	}
	composer := m.styles.panel.Width(panelInnerWidth(w)).Render(m.styles.panelTitle.Render(inputLabel) + "\n" + input)
	return lipgloss.JoinVertical(lipgloss.Top, top, composer)
}

func (m model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	if m.splashActive {
		return m.viewSplash()
	}
	header := m.renderTabs()

	contentW := max(70, m.width-4)
	headerH := lipgloss.Height(header)
	footer := m.viewFooter(contentW)
	footerH := lipgloss.Height(footer)
	contentH := max(8, m.height-headerH-footerH-2)
	var content string
	switch m.tabIdx {
	case 0:
		var layout string
		if contentW < 120 {
			layout = lipgloss.JoinVertical(
				lipgloss.Top,
				m.viewConfigTab(contentW, max(10, int(float64(contentH)*0.58))),
				m.configRightColumn(contentW, max(8, int(float64(contentH)*0.40))),
			)
		} else {
			leftW := max(38, int(float64(contentW)*0.60))
			rightW := max(30, contentW-leftW-2)
			layout = lipgloss.JoinHorizontal(lipgloss.Top, m.viewConfigTab(leftW, contentH), "  ", m.configRightColumn(rightW, contentH))
		}
		tv := m.trainView
		tv.Width = max(30, contentW)
		tv.Height = max(6, contentH)
		tv.SetContent(layout)
		content = tv.View()
	case 1:
		content = m.viewMonitorTab(contentW, contentH)
	case 2:
		content = m.viewLogsTab(contentW, contentH)
	case 3:
		content = fitHeight(m.viewRunsTab(contentW), contentH)
	default:
		content = m.viewSampleTab(contentW, contentH)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, "", content, footer)
}

func (m model) viewFooter(w int) string {
	base := []string{"[tab/h/l] switch tabs", "[s] start", "[x] stop", "[r] refresh", "[q] quit"}
	context := []string{}
	switch m.tabIdx {
	case 0:
		context = []string{"[j/k] select field", "[e/enter] edit", "[space] cycle bool/choice", "[1/2] dataset profiles"}
	case 1:
		context = []string{"[left/right] metric category", "[up/down] metric", "[enter] graph focus", "[esc] exit focus"}
	case 2:
		context = []string{"[pgup/pgdown/home/end] scroll logs", "[c] clear logs"}
	case 3:
		context = []string{"Runs discovered under the output root"}
	default:
		if m.sampleEditPath {
			context = []string{"Typing mode active: enter applies", "[esc] cancel"}
		} else {
			context = []string{"[enter] generate", "[p] checkpoint path", "[[ / ]] temp", "[-/=] tokens"}
		}
	}
	lines := []string{
		"Global: " + strings.Join(base, "  "),
		"Context: " + strings.Join(context, "  "),
	}
	body := []string{}
	for _, ln := range lines {
		body = append(body, wrapText(ln, max(20, w-8))...)
	}
	style := m.styles.panel.Copy().Padding(0, 1)
	return style.Width(panelInnerWidth(w)).Render(strings.Join(body, "\n"))
}

func pathOrDash(p string) string {
	if strings.TrimSpace(p) == "" {
		return "-"
	}
	return p
}

func nz(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func sampleSystem(pid int, prev cpuSample) (sysStats, cpuSample) {
	targetPID := resolveTrainerPID(pid)
	stats := sysStats{pid: targetPID}
	if total, idle, ok := readCPUStat(); ok {
		if prev.total > 0 && total > prev.total {
			dt := float64(total - prev.total)
			di := float64(idle - prev.idle)
			stats.cpuPct = (1.0 - di/dt) * 100.0
		}
		prev = cpuSample{total: total, idle: idle}
	}
	if total, used, free, ok := readMemMB(); ok {
		stats.memTotalMB = total
		stats.memUsedMB = used
		stats.memFreeMB = free
	}
	if targetPID > 0 {
		stats.procRSSKB = readProcRSSKB(targetPID)
	}
	return stats, prev
}

// resolveTrainerPID follows one level of children so a `go run` wrapper
// reports the real trainer process.
func resolveTrainerPID(pid int) int {
	if pid <= 0 {
		return 0
	}
	childrenPath := fmt.Sprintf("/proc/%d/task/%d/children", pid, pid)
	b, err := os.ReadFile(childrenPath)
	if err != nil {
		return pid
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return pid
	}
	childPID, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || childPID <= 0 {
		return pid
	}
	return childPID
}

func readCPUStat() (total, idle uint64, ok bool) {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	for _, ln := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(ln, "cpu ") {
			f := strings.Fields(ln)
			if len(f) < 5 {
				return 0, 0, false
			}
			vals := make([]uint64, 0, len(f)-1)
			for _, s := range f[1:] {
				v, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					return 0, 0, false
				}
				vals = append(vals, v)
				total += v
			}
			if len(vals) >= 4 {
				idle = vals[3]
			}
			return total, idle, true
		}
	}
	return 0, 0, false
}

func readMemMB() (total, used, free int64, ok bool) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, 0, false
	}
	var totalKB, availKB int64
	for _, ln := range strings.Split(string(b), "\n") {
		f := strings.Fields(ln)
		if len(f) < 2 {
			continue
		}
		switch f[0] {
		case "MemTotal:":
			v, _ := strconv.ParseInt(f[1], 10, 64)
			totalKB = v
		case "MemAvailable:":
			v, _ := strconv.ParseInt(f[1], 10, 64)
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, 0, 0, false
	}
	usedKB := totalKB - availKB
	return totalKB / 1024, usedKB / 1024, availKB / 1024, true
}

func readProcRSSKB(pid int) int64 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, ln := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(ln, "VmRSS:") {
			f := strings.Fields(ln)
			if len(f) >= 2 {
				v, _ := strconv.ParseInt(f[1], 10, 64)
				return v
			}
		}
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func appendSeries(series []float64, v float64, capN int) []float64 {
	series = append(series, v)
	if len(series) > capN {
		series = series[len(series)-capN:]
	}
	return series
}

func seriesStats(series []float64) (latest, minV, maxV float64, ok bool) {
	if len(series) == 0 {
		return 0, 0, 0, false
	}
	latest = series[len(series)-1]
	minV, maxV = series[0], series[0]
	for _, v := range series[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return latest, minV, maxV, true
}

func (m model) currentMonitorMetrics() []monitorMetric {
	all := []monitorMetric{
		{Name: "Loss (Train)", Series: m.lossSeries, Color: m.styles.graphLoss, What: "Mean cross-entropy over the accumulation window.", Why: "Primary optimization target.", Read: "Should trend down over time."},
		{Name: "Loss (Validation)", Series: m.valSeries, Color: m.styles.graphEval, What: "Loss on held-out rows.", Why: "Tracks generalization quality.", Read: "Best metric for checkpoint quality."},
		{Name: "Generalization Gap", Series: m.gapSeries, Color: m.styles.warn, What: "Validation loss minus training loss.", Why: "Quick overfitting detector.", Read: "Keep small and stable."},
		{Name: "Validation Perplexity", Series: m.pplSeries, Color: m.styles.graphEval, What: "Exp(val loss).", Why: "Intuitive scale for comparing runs.", Read: "Lower is better."},
		{Name: "Learning Rate", Series: m.lrSeries, Color: m.styles.graphSPS, What: "Current scheduler output.", Why: "Shows warmup ramp and cosine decay.", Read: "Ramp, curve down, then flat at the floor."},
		{Name: "Gradient Norm", Series: m.gnormSeries, Color: m.styles.warn, What: "Pre-clip global gradient norm.", Why: "Spikes signal instability before the loss shows it.", Read: "Values pinned at the clip threshold mean clipping is active."},
		{Name: "Loss Scale", Series: m.scaleSeries, Color: m.styles.graphCPU, What: "Dynamic float16 loss scale.", Why: "Halves on overflow, grows when stable.", Read: "Constant 1 means scaling is off for this dtype."},
		{Name: "Throughput (Steps/sec)", Series: m.spsSeries, Color: m.styles.graphSPS, What: "Optimizer steps per second.", Why: "Measures training speed.", Read: "Drops map to CPU or memory pressure."},
		{Name: "CPU (%)", Series: m.cpuSeries, Color: m.styles.graphCPU, What: "System-wide CPU utilization.", Why: "Confirms training is using compute.", Read: "Near 100% is expected for CPU training."},
		{Name: "RAM Used (MB)", Series: m.ramSeries, Color: m.styles.graphMem, What: "Total system RAM in use.", Why: "Guards against OOM.", Read: "Steady climb near max is a warning sign."},
		{Name: "Process RSS (MB)", Series: m.rssSeries, Color: m.styles.graphMem, What: "Trainer resident memory.", Why: "Shows pressure from model and batch size.", Read: "If it keeps rising, reduce model or batch size."},
	}
	switch m.monitorMode {
	case 1:
		return []monitorMetric{all[0], all[1], all[2], all[7]}
	case 2:
		return []monitorMetric{all[1], all[2], all[3], all[4], all[5], all[6]}
	case 3:
		return []monitorMetric{all[8], all[9], all[10]}
	default:
		return all
	}
}

func lineChart(series []float64, width, height int) []string {
	if width < 8 {
		width = 8
	}
	if height < 3 {
		height = 3
	}
	if len(series) == 0 {
		return []string{strings.Repeat(".", width)}
	}
	sampled := make([]float64, 0, width)
	if len(series) <= width {
		sampled = append(sampled, series...)
	} else {
		step := float64(len(series)-1) / float64(width-1)
		for i := 0; i < width; i++ {
			idx := int(math.Round(float64(i) * step))
			if idx < 0 {
				idx = 0
			}
			if idx >= len(series) {
				idx = len(series) - 1
			}
			sampled = append(sampled, series[idx])
		}
	}
	minV, maxV := sampled[0], sampled[0]
	for _, v := range sampled[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	grid := make([][]rune, height)
	for r := 0; r < height; r++ {
		row := make([]rune, width)
		for c := range row {
			row[c] = ' '
		}
		grid[r] = row
	}
	center := height / 2
	lastRow := center
	for x := 0; x < len(sampled); x++ {
		row := center
		if maxV > minV {
			ratio := (sampled[x] - minV) / (maxV - minV)
			row = height - 1 - int(math.Round(ratio*float64(height-1)))
		}
		if row < 0 {
			row = 0
		}
		if row >= height {
			row = height - 1
		}
		grid[row][x] = '●'
		if x > 0 {
			if row > lastRow {
				for rr := lastRow + 1; rr < row; rr++ {
					if grid[rr][x-1] == ' ' {
						grid[rr][x-1] = '│'
					}
				}
			} else if row < lastRow {
				for rr := row + 1; rr < lastRow; rr++ {
					if grid[rr][x-1] == ' ' {
						grid[rr][x-1] = '│'
					}
				}
			}
		}
		lastRow = row
	}
	lines := make([]string, 0, height)
	for r := 0; r < height; r++ {
		label := "         │"
		if r == 0 {
			label = fmt.Sprintf("%8.3f ┤", maxV)
		} else if r == height-1 {
			label = fmt.Sprintf("%8.3f ┤", minV)
		}
		lines = append(lines, label+string(grid[r]))
	}
	return lines
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fitHeight(s string, h int) string {
	if h <= 0 {
		return s
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if len(lines) > h {
		lines = lines[:h]
	}
	for len(lines) < h {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func wrapText(s string, width int) []string {
	if width <= 1 {
		return []string{s}
	}
	paras := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if len(paras) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(paras)*2)
	for _, p := range paras {
		if strings.TrimSpace(p) == "" {
			out = append(out, "")
			continue
		}
		words := strings.FieldsFunc(p, unicode.IsSpace)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if len([]rune(w)) > width {
				if strings.TrimSpace(cur) != "" {
					out = append(out, cur)
				}
				rs := []rune(w)
				for len(rs) > width {
					out = append(out, string(rs[:width]))
					rs = rs[width:]
				}
				cur = string(rs)
				continue
			}
			if len([]rune(cur))+1+len([]rune(w)) <= width {
				cur += " " + w
			} else {
				out = append(out, cur)
				cur = w
			}
		}
		out = append(out, cur)
	}
	return out
}

func truncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes < 4 {
		maxRunes = 4
	}
	rs := []rune(s)
	if len(rs) <= maxRunes {
		return s
	}
	return string(rs[:maxRunes-1]) + "…"
}

func (m *model) animateMetrics() {
	animate := func(src []float64, cur *float64, vel *float64) {
		if len(src) == 0 {
			return
		}
		target := src[len(src)-1]
		if !m.animPrimed {
			*cur = target
			*vel = 0
		}
		*cur, *vel = m.graphSpring.Update(*cur, *vel, target)
	}
	animate(m.lossSeries, &m.lossAnim, &m.lossVel)
	animate(m.valSeries, &m.valAnim, &m.valVel)
	animate(m.spsSeries, &m.spsAnim, &m.spsVel)
	animate(m.cpuSeries, &m.cpuAnim, &m.cpuVel)
	m.animPrimed = true
}

func (m model) viewSplash() string {
	title := "RubikGPT Trainer"
	reveal := int(math.Round(float64(len(title)) * clamp01(m.splashProgress)))
	if reveal < 0 {
		reveal = 0
	}
	if reveal > len(title) {
		reveal = len(title)
	}
	head := m.styles.splashText.Render(title[:reveal]) + m.styles.dim.Render(title[reveal:])

	barW := max(24, min(56, m.width-20))
	done := int(math.Round(float64(barW) * clamp01(m.splashProgress)))
	if done < 0 {
		done = 0
	}
	if done > barW {
		done = barW
	}
	bar := "[" + strings.Repeat("=", done) + strings.Repeat(" ", barW-done) + "]"

	intensity := clamp01(0.3 + 0.7*m.splashGlow)
	pulseColor := lipgloss.Color("81")
	if intensity > 0.65 {
		pulseColor = lipgloss.Color("123")
	}

	t := time.Since(m.splashStarted).Seconds()
	waveW := max(24, min(56, m.width-20))
	var wb strings.Builder
	for i := 0; i < waveW; i++ {
		y := math.Sin((float64(i)*0.42)+(t*3.2)) * intensity
		switch {
		case y > 0.60:
			wb.WriteRune('█')
		case y > 0.25:
			wb.WriteRune('▓')
		case y > -0.1:
			wb.WriteRune('▒')
		default:
			wb.WriteRune('░')
		}
	}
	wave := lipgloss.NewStyle().Foreground(pulseColor).Render(wb.String())

	body := lipgloss.JoinVertical(
		lipgloss.Center,
		head,
		"",
		wave,
		bar,
		m.styles.dim.Render("Press Enter to skip"),
	)
	card := m.styles.splash.Render(body)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, card)
}

func sparkline(series []float64, width int) string {
	if width < 4 {
		width = 4
	}
	if len(series) == 0 {
		return strings.Repeat(".", width)
	}
	sampled := make([]float64, 0, width)
	if len(series) <= width {
		sampled = append(sampled, series...)
	} else {
		step := float64(len(series)-1) / float64(width-1)
		for i := 0; i < width; i++ {
			idx := int(math.Round(float64(i) * step))
			if idx < 0 {
				idx = 0
			}
			if idx >= len(series) {
				idx = len(series) - 1
			}
			sampled = append(sampled, series[idx])
		}
	}
	minV, maxV := sampled[0], sampled[0]
	for _, v := range sampled[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	chars := []rune("▁▂▃▄▅▆▇█")
	if maxV == minV {
		return strings.Repeat(string(chars[len(chars)-2]), width)
	}
	var b strings.Builder
	b.Grow(width)
	for i := 0; i < len(sampled); i++ {
		r := (sampled[i] - minV) / (maxV - minV)
		pos := int(math.Round(r * float64(len(chars)-1)))
		if pos < 0 {
			pos = 0
		}
		if pos >= len(chars) {
			pos = len(chars) - 1
		}
		b.WriteRune(chars[pos])
	}
	for i := len(sampled); i < width; i++ {
		b.WriteRune(chars[0])
	}
	return b.String()
}

func main() {
	m := initialModel()
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
