package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ffbatch/config"
	"ffbatch/task"
)

// Builder turns a task's type and params into an ffmpeg argument vector and
// an execution timeout.
type Builder struct {
	timeout time.Duration
	probe   func(path string) (time.Duration, error)
}

func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{timeout: cfg.TaskTimeout, probe: MP3Duration}
}

var overlayPositions = map[string]string{
	"top_left":     "10:10",
	"top_right":    "W-w-10:10",
	"bottom_left":  "10:H-h-10",
	"bottom_right": "W-w-10:H-h-10",
	"center":       "(W-w)/2:(H-h)/2",
}

func (b *Builder) Build(t *task.Task) (task.Command, error) {
	p := params(t.Params)
	if t.Type != task.TypeAnalyze && t.Type != task.TypeCustom && t.OutputPath == "" {
		return task.Command{}, fmt.Errorf("%s requires an output path", t.Type)
	}

	args := []string{"-hide_banner", "-nostdin", "-y"}
	var err error
	switch t.Type {
	case task.TypeCompress:
		args, err = compressArgs(args, t, p)
	case task.TypeConvert:
		args = convertArgs(args, t, p)
	case task.TypeResize:
		args, err = resizeArgs(args, t, p)
	case task.TypeWatermark:
		args, err = watermarkArgs(args, t, p)
	case task.TypeExtractFrames:
		args, err = extractFramesArgs(args, t, p)
	case task.TypeThumbnails:
		args, err = thumbnailArgs(args, t, p)
	case task.TypeAnalyze:
		args = append(args, "-i", t.InputPath, "-f", "null", "-")
	case task.TypeCustom:
		args, err = customArgs(args, t, p)
	default:
		return task.Command{}, fmt.Errorf("unknown task type %q", t.Type)
	}
	if err != nil {
		return task.Command{}, err
	}

	timeout, err := b.timeoutFor(t, p)
	if err != nil {
		return task.Command{}, err
	}
	return task.Command{Args: args, Timeout: timeout}, nil
}

// timeoutFor uses params.timeout when given, else TASK_TIMEOUT. An mp3 input
// whose duration can be read gets at most four times its length plus a
// minute.
func (b *Builder) timeoutFor(t *task.Task, p params) (time.Duration, error) {
	timeout := b.timeout
	if raw := p.get("timeout", ""); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", raw, err)
		}
		return d, nil
	}
	if strings.EqualFold(filepath.Ext(t.InputPath), ".mp3") && b.probe != nil {
		if dur, err := b.probe(t.InputPath); err == nil && dur > 0 {
			if est := 4*dur + time.Minute; timeout <= 0 || est < timeout {
				timeout = est
			}
		}
	}
	return timeout, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func compressArgs(args []string, t *task.Task, p params) ([]string, error) {
	crf := p.get("crf", "23")
	if n, err := strconv.Atoi(crf); err != nil || n < 0 || n > 51 {
		return nil, fmt.Errorf("crf must be an integer in [0,51], got %q", crf)
	}
	args = append(args, "-i", t.InputPath,
		"-c:v", p.get("video_codec", "libx264"),
		"-crf", crf,
		"-preset", p.get("preset", "medium"),
		"-c:a", p.get("audio_codec", "aac"),
	)
	if br := p.get("audio_bitrate", ""); br != "" {
		args = append(args, "-b:a", br)
	}
	return append(args, t.OutputPath), nil
}

func convertArgs(args []string, t *task.Task, p params) []string {
	args = append(args, "-i", t.InputPath)
	if v := p.get("video_codec", ""); v != "" {
		args = append(args, "-c:v", v)
	}
	if a := p.get("audio_codec", ""); a != "" {
		args = append(args, "-c:a", a)
	}
	if f := p.get("format", ""); f != "" {
		args = append(args, "-f", f)
	}
	return append(args, t.OutputPath)
}

func resizeArgs(args []string, t *task.Task, p params) ([]string, error) {
	w, h := p.get("width", "-2"), p.get("height", "-2")
	if w == "-2" && h == "-2" {
		return nil, fmt.Errorf("resize requires width or height")
	}
	for _, v := range []string{w, h} {
		if n, err := strconv.Atoi(v); err != nil || (n <= 0 && n != -1 && n != -2) {
			return nil, fmt.Errorf("invalid dimension %q", v)
		}
	}
	return append(args, "-i", t.InputPath, "-vf", "scale="+w+":"+h, "-c:a", "copy", t.OutputPath), nil
}

func watermarkArgs(args []string, t *task.Task, p params) ([]string, error) {
	mark := p.get("watermark", "")
	if mark == "" {
		return nil, fmt.Errorf("watermark requires params.watermark")
	}
	pos, ok := overlayPositions[p.get("position", "bottom_right")]
	if !ok {
		return nil, fmt.Errorf("unknown watermark position %q", p.get("position", ""))
	}
	return append(args, "-i", t.InputPath, "-i", mark,
		"-filter_complex", "overlay="+pos, "-c:a", "copy", t.OutputPath), nil
}

func extractFramesArgs(args []string, t *task.Task, p params) ([]string, error) {
	if !strings.Contains(t.OutputPath, "%") {
		return nil, fmt.Errorf("extract_frames output must be a pattern such as frame_%%04d.png")
	}
	fps := p.get("fps", "1")
	if _, err := strconv.ParseFloat(fps, 64); err != nil {
		return nil, fmt.Errorf("invalid fps %q", fps)
	}
	return append(args, "-i", t.InputPath, "-vf", "fps="+fps, t.OutputPath), nil
}

func thumbnailArgs(args []string, t *task.Task, p params) ([]string, error) {
	args = append(args, "-ss", p.get("at", "00:00:01"), "-i", t.InputPath, "-frames:v", "1")
	if w := p.get("width", ""); w != "" {
		if n, err := strconv.Atoi(w); err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid width %q", w)
		}
		args = append(args, "-vf", "scale="+w+":-2")
	}
	return append(args, t.OutputPath), nil
}

// customArgs expands params.command, which must reference the input through
// the placeholder. The output path, when set, is appended last.
func customArgs(args []string, t *task.Task, p params) ([]string, error) {
	command := p.get("command", "")
	if command == "" {
		return nil, fmt.Errorf("custom task requires params.command")
	}
	user, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := SanitizeAndValidateArgs(user); err != nil {
		return nil, err
	}
	for i, arg := range user {
		if arg == InputMediaPlaceholder {
			user[i] = t.InputPath
		}
	}
	args = append(args, user...)
	if t.OutputPath != "" {
		args = append(args, t.OutputPath)
	}
	return args, nil
}

type params map[string]string

func (p params) get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}
