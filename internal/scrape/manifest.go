package scrape

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"github.com/velorien/pahedl/internal/util"
)

// ScriptTimeout bounds the sandboxed execution of the packed player script.
var ScriptTimeout = 10 * time.Second

var (
	// ErrScriptNotFound means the play page carried no eval-packed script.
	ErrScriptNotFound = errors.New("no packed script found in page")
	// ErrManifestURLNotFound means the unpacked output held no m3u8 source.
	ErrManifestURLNotFound = errors.New("m3u8 source not found in unpacked script")
	// ErrDecodeTimeout means the packed script ran past ScriptTimeout.
	ErrDecodeTimeout = errors.New("packed script execution timed out")
)

var (
	packedScriptRe = regexp.MustCompile(`(?s)<script>eval\(.*?</script>`)
	manifestURLRe  = regexp.MustCompile(`source=['"]([^'"]+?\.m3u8)`)
)

// ResolveManifest fetches a play-source page, unpacks the obfuscated inline
// script inside a sandboxed interpreter and returns the manifest URL it
// references. The fetch honors ctx; script execution is separately bounded by
// ScriptTimeout. The only side effect is the page GET, so retrying is safe.
func ResolveManifest(ctx context.Context, pageURL, cookie, host string) (string, error) {
	util.Debugf("Resolving manifest from %s", pageURL)

	body, err := util.GetBytes(ctx, pageURL, util.RequestOptions{Cookie: cookie, Referer: host})
	if err != nil {
		return "", errors.Wrap(err, "fetch source page")
	}

	script := packedScriptRe.FindString(string(body))
	if script == "" {
		return "", ErrScriptNotFound
	}
	script = strings.TrimPrefix(script, "<script>")
	script = strings.TrimSuffix(script, "</script>")

	printed, err := runPacked(script)
	if err != nil {
		return "", err
	}

	if m := manifestURLRe.FindStringSubmatch(printed); m != nil {
		util.Debugf("Extracted manifest URL: %s", m[1])
		return m[1], nil
	}
	return "", ErrManifestURLNotFound
}

// runPacked executes a packed script in an isolated VM and returns whatever
// the final eval would have evaluated, as text.
//
// The script is rewritten first so that it computes instead of acting:
// references to the real document become an inert stand-in, and the final
// eval of the unpacked payload becomes a console.log, turning the payload
// into captured output. The VM has no host capabilities; the only injected
// bindings are the capturing console, the empty process stand-in and an atob
// polyfill the packer depends on. Script-level exceptions are captured into
// the output rather than failing the call, matching the best-effort scan
// that follows.
func runPacked(script string) (string, error) {
	rewritten := strings.ReplaceAll(script, "document", "process")
	rewritten = strings.ReplaceAll(rewritten, "querySelector", "exit")
	rewritten = strings.ReplaceAll(rewritten, "eval(", "console.log(")

	vm := goja.New()

	var out strings.Builder
	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		out.WriteString(strings.Join(parts, " "))
		out.WriteByte('\n')
		return goja.Undefined()
	}); err != nil {
		return "", errors.Wrap(err, "prepare sandbox")
	}
	if err := vm.Set("console", console); err != nil {
		return "", errors.Wrap(err, "prepare sandbox")
	}
	if err := vm.Set("process", vm.NewObject()); err != nil {
		return "", errors.Wrap(err, "prepare sandbox")
	}
	if err := vm.Set("atob", decodeBase64); err != nil {
		return "", errors.Wrap(err, "prepare sandbox")
	}

	timer := time.AfterFunc(ScriptTimeout, func() {
		vm.Interrupt(ErrDecodeTimeout)
	})
	defer timer.Stop()

	_, err := vm.RunString("try {\n" + rewritten + "\n} catch (err) { console.log(String(err)); }")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", ErrDecodeTimeout
		}
		// Parse-level failures still leave whatever was logged before; the
		// caller scans that and reports a missing manifest if it is empty.
		util.Debugf("Packed script evaluation error: %v", err)
	}
	return out.String(), nil
}

// decodeBase64 is the atob polyfill: base64 text in, byte-per-rune binary
// string out. Characters outside the base64 alphabet (padding, whitespace,
// line breaks inside packed blobs) are skipped rather than rejected, so a
// payload assembled from multiple document chunks still decodes.
func decodeBase64(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned)%4 == 1 {
		return "", errors.New("invalid base64")
	}
	data, err := base64.RawStdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", errors.Wrap(err, "invalid base64")
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}
