package assemble

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"

	"streamdl/internal/config"
	"streamdl/internal/logger"
)

// Decryptor invokes an external container decryption tool on the
// assembled artifact. The two invocation shapes are mutually
// exclusive: a raw-key multi-key tool (mp4decrypt style, repeated
// --key kid:key pairs) or a single-key tool.
type Decryptor struct {
	mp4decryptPath string
	singleKeyTool  string
	keys           []config.ContentKey
	logger         logger.Logger
}

// NewDecryptor builds a decryptor from configuration. It returns nil
// when no tool or no keys are configured, meaning assembly emits the
// concatenation as-is.
func NewDecryptor(opts *config.Options, log logger.Logger) *Decryptor {
	if len(opts.Keys) == 0 {
		return nil
	}
	if opts.Mp4decryptPath == "" && opts.SingleKeyTool == "" {
		return nil
	}
	return &Decryptor{
		mp4decryptPath: opts.Mp4decryptPath,
		singleKeyTool:  opts.SingleKeyTool,
		keys:           opts.Keys,
		logger:         log,
	}
}

// Run decrypts inPath into outPath as a single subprocess call.
// Success means exit code 0 and a populated output file.
func (d *Decryptor) Run(inPath, outPath string) error {
	var cmd *exec.Cmd
	switch {
	case d.mp4decryptPath != "":
		var args []string
		for _, k := range d.keys {
			id := k.ID
			if id == "" {
				id = "1"
			}
			args = append(args, "--key", id+":"+hex.EncodeToString(k.Key))
		}
		args = append(args, inPath, outPath)
		cmd = exec.Command(d.mp4decryptPath, args...)
	case d.singleKeyTool != "":
		cmd = exec.Command(d.singleKeyTool,
			"--key", hex.EncodeToString(d.keys[0].Key),
			"--in", inPath,
			"--out", outPath)
	default:
		return fmt.Errorf("no decryption tool configured")
	}

	d.logger.Debugf("Invoking decryption tool: %s", cmd.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("decryption tool failed: %w (output: %s)", err, out)
	}

	fi, err := os.Stat(outPath)
	if err != nil || fi.Size() == 0 {
		return fmt.Errorf("decryption tool exited cleanly but produced no output at %s", outPath)
	}
	return nil
}
