package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"traffic_marl/internal/domain"
)

var (
	ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")
	ErrPathEscapesRoot        = errors.New("path escapes root")
)

type Policy interface {
	CanFileOperation(ctx context.Context, agentID string, operation domain.FileOperation, targetPath string) (bool, string, error)
}

type ChangeLogger interface {
	LogModelFile(ctx context.Context, entry domain.ModelFileLog) error
}

// Gateway confines model and artifact files to one root directory and
// records every write attempt.
type Gateway struct {
	root   string
	runID  string
	policy Policy
	logger ChangeLogger
}

func NewGateway(root, runID string, policy Policy, logger ChangeLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		runID:  runID,
		policy: policy,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// WriteFile writes through a temporary file and rename so readers never see
// a partial checkpoint.
func (g *Gateway) WriteFile(ctx context.Context, agentID, relPath string, content []byte) error {
	op := domain.FileOperationCreate
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.log(ctx, agentID, op, relPath, false, err.Error())
		return err
	}
	if _, statErr := os.Stat(absPath); statErr == nil {
		op = domain.FileOperationWrite
	}

	if g.policy != nil {
		allowed, reason, err := g.policy.CanFileOperation(ctx, agentID, op, normalized)
		if err != nil {
			return fmt.Errorf("policy check write file: %w", err)
		}
		if !allowed {
			g.log(ctx, agentID, op, normalized, false, reason)
			return fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp := absPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, absPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename file: %w", err)
	}
	g.log(ctx, agentID, op, normalized, true, "allowed")
	return nil
}

func (g *Gateway) ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	if g.policy != nil {
		allowed, reason, err := g.policy.CanFileOperation(ctx, agentID, domain.FileOperationRead, normalized)
		if err != nil {
			return nil, fmt.Errorf("policy check read file: %w", err)
		}
		if !allowed {
			g.log(ctx, agentID, domain.FileOperationRead, normalized, false, reason)
			return nil, fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) log(ctx context.Context, agentID string, op domain.FileOperation, path string, allowed bool, reason string) {
	if g.logger == nil {
		return
	}
	_ = g.logger.LogModelFile(ctx, domain.ModelFileLog{
		RunID:     g.runID,
		AgentID:   agentID,
		Operation: op,
		Path:      path,
		Allowed:   allowed,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(filepath.Clean(g.root), absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", fmt.Errorf("%q: %w", relPath, ErrPathEscapesRoot)
	}
	return absClean, filepath.ToSlash(rel), nil
}
