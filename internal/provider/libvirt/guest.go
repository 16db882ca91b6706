package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	golibvirt "libvirt.org/go/libvirt"

	"cleanroom/internal/provider"
)

const (
	execPollInterval = 500 * time.Millisecond
	fileChunkSize    = 32 * 1024
)

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	Env           []string `json:"env,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		PID int `json:"pid"`
	} `json:"arguments"`
}

type guestExecStatusResponse struct {
	Return struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	} `json:"return"`
}

type guestFileOpenRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
	} `json:"arguments"`
}

type guestFileHandleResponse struct {
	Return int `json:"return"`
}

type guestFileWriteRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		Handle int    `json:"handle"`
		BufB64 string `json:"buf-b64"`
	} `json:"arguments"`
}

type guestFileReadRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		Handle int `json:"handle"`
		Count  int `json:"count"`
	} `json:"arguments"`
}

type guestFileReadResponse struct {
	Return struct {
		Count  int    `json:"count"`
		BufB64 string `json:"buf-b64"`
		EOF    bool   `json:"eof"`
	} `json:"return"`
}

type guestFileCloseRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		Handle int `json:"handle"`
	} `json:"arguments"`
}

func agentCommand(domain *golibvirt.Domain, request any) ([]byte, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal guest agent request: %w", err)
	}
	resp, err := domain.QemuAgentCommand(string(payload), golibvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return nil, fmt.Errorf("guest agent command: %w", err)
	}
	return []byte(resp), nil
}

func waitForGuestAgent(ctx context.Context, domain *golibvirt.Domain, interval time.Duration, retries int) error {
	if retries <= 0 {
		retries = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	request := `{"execute":"guest-info"}`
	for i := 0; i < retries; i++ {
		if _, err := domain.QemuAgentCommand(
			request,
			golibvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT,
			0,
		); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for guest agent: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("timeout waiting for guest agent after %d attempts", retries)
}

// runGuestCommand starts argv through guest-exec and polls guest-exec-status
// until the process exits or ctx is done. Exit status is carried in the
// result, never folded into the error.
func runGuestCommand(ctx context.Context, domain *golibvirt.Domain, argv []string, extraEnv map[string]string) (provider.ExecResult, error) {
	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          argv[0],
			Arg:           argv[1:],
			Env:           flattenEnv(extraEnv),
			CaptureOutput: true,
		},
	}
	resp, err := agentCommand(domain, req)
	if err != nil {
		return provider.ExecResult{}, err
	}

	var execResp guestExecResponse
	if err := json.Unmarshal(resp, &execResp); err != nil {
		return provider.ExecResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return provider.ExecResult{}, errors.New("guest exec returned invalid pid")
	}

	statusReq := guestExecStatusRequest{Execute: "guest-exec-status"}
	statusReq.Arguments.PID = execResp.Return.PID
	for {
		resp, err := agentCommand(domain, statusReq)
		if err != nil {
			return provider.ExecResult{}, err
		}
		var status guestExecStatusResponse
		if err := json.Unmarshal(resp, &status); err != nil {
			return provider.ExecResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}
		if status.Return.Exited {
			return provider.ExecResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}, nil
		}
		select {
		case <-ctx.Done():
			return provider.ExecResult{}, fmt.Errorf("waiting for guest command: %w", ctx.Err())
		case <-time.After(execPollInterval):
		}
	}
}

func pushGuestFile(ctx context.Context, domain *golibvirt.Domain, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file %q: %w", localPath, err)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat local file %q: %w", localPath, err)
	}

	if dir := path.Dir(remotePath); dir != "" && dir != "." && dir != "/" {
		if res, err := runGuestCommand(ctx, domain, []string{"mkdir", "-p", dir}, nil); err != nil {
			return err
		} else if res.ExitCode != 0 {
			return fmt.Errorf("create remote directory %q: %s", dir, strings.TrimSpace(res.Stderr))
		}
	}

	handle, err := openGuestFile(domain, remotePath, "wb")
	if err != nil {
		return err
	}
	writeErr := writeGuestFile(ctx, domain, handle, data)
	if err := closeGuestFile(domain, handle); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return writeErr
	}

	mode := fmt.Sprintf("%o", info.Mode().Perm())
	if res, err := runGuestCommand(ctx, domain, []string{"chmod", mode, remotePath}, nil); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("chmod %s %q: %s", mode, remotePath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func pullGuestFile(ctx context.Context, domain *golibvirt.Domain, remotePath, localPath string) error {
	handle, err := openGuestFile(domain, remotePath, "rb")
	if err != nil {
		return err
	}
	data, readErr := readGuestFile(ctx, domain, handle)
	if err := closeGuestFile(domain, handle); err != nil && readErr == nil {
		readErr = err
	}
	if readErr != nil {
		return readErr
	}

	if dir := path.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create local directory %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("write local file %q: %w", localPath, err)
	}
	return nil
}

func openGuestFile(domain *golibvirt.Domain, guestPath, mode string) (int, error) {
	req := guestFileOpenRequest{Execute: "guest-file-open"}
	req.Arguments.Path = guestPath
	req.Arguments.Mode = mode
	resp, err := agentCommand(domain, req)
	if err != nil {
		return 0, fmt.Errorf("open guest file %q: %w", guestPath, err)
	}
	var handle guestFileHandleResponse
	if err := json.Unmarshal(resp, &handle); err != nil {
		return 0, fmt.Errorf("decode guest file handle: %w", err)
	}
	return handle.Return, nil
}

func writeGuestFile(ctx context.Context, domain *golibvirt.Domain, handle int, data []byte) error {
	for offset := 0; offset < len(data); offset += fileChunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("writing guest file: %w", err)
		}
		end := offset + fileChunkSize
		if end > len(data) {
			end = len(data)
		}
		req := guestFileWriteRequest{Execute: "guest-file-write"}
		req.Arguments.Handle = handle
		req.Arguments.BufB64 = base64.StdEncoding.EncodeToString(data[offset:end])
		if _, err := agentCommand(domain, req); err != nil {
			return fmt.Errorf("write guest file: %w", err)
		}
	}
	return nil
}

func readGuestFile(ctx context.Context, domain *golibvirt.Domain, handle int) ([]byte, error) {
	var data []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reading guest file: %w", err)
		}
		req := guestFileReadRequest{Execute: "guest-file-read"}
		req.Arguments.Handle = handle
		req.Arguments.Count = fileChunkSize
		resp, err := agentCommand(domain, req)
		if err != nil {
			return nil, fmt.Errorf("read guest file: %w", err)
		}
		var chunk guestFileReadResponse
		if err := json.Unmarshal(resp, &chunk); err != nil {
			return nil, fmt.Errorf("decode guest file read: %w", err)
		}
		if chunk.Return.Count > 0 {
			decoded, err := base64.StdEncoding.DecodeString(chunk.Return.BufB64)
			if err != nil {
				return nil, fmt.Errorf("decode guest file chunk: %w", err)
			}
			data = append(data, decoded...)
		}
		if chunk.Return.EOF {
			return data, nil
		}
	}
}

func closeGuestFile(domain *golibvirt.Domain, handle int) error {
	req := guestFileCloseRequest{Execute: "guest-file-close"}
	req.Arguments.Handle = handle
	if _, err := agentCommand(domain, req); err != nil {
		return fmt.Errorf("close guest file: %w", err)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	flat := make([]string, 0, len(env))
	for k, v := range env {
		flat = append(flat, k+"="+v)
	}
	return flat
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
