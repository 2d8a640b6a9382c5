package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// InputMediaPlaceholder marks where a custom command reads its input.
const InputMediaPlaceholder = "${INPUT_MEDIA}"

// deniedOptions write or read files beyond the task's own input and output.
var deniedOptions = map[string]bool{
	"-dump_attachment": true,
	"-filter_script":   true,
	"-passlogfile":     true,
	"-report":          true,
	"-vstats_file":     true,
}

// SplitCommand splits a command string into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs rejects shell metacharacters and file-writing
// options, and requires the input placeholder as its own argument.
func SanitizeAndValidateArgs(args []string) error {
	hasInput := false
	for _, arg := range args {
		if arg == InputMediaPlaceholder {
			hasInput = true
			continue
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if deniedOptions[strings.SplitN(arg, ":", 2)[0]] {
			return fmt.Errorf("disallowed option: %s", arg)
		}
	}
	if !hasInput {
		return fmt.Errorf("command must include the input placeholder '%s'", InputMediaPlaceholder)
	}
	return nil
}
