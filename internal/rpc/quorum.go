package rpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Response is a successful reply from one node.
type Response struct {
	Node string
	Body []byte
}

// RequestStrategy controls a fan-out.
type RequestStrategy struct {
	// Quorum is the number of successful replies needed.
	Quorum int
	// Timeout bounds every call of the fan-out, including the ones that keep
	// running after quorum was reached.
	Timeout time.Duration
}

const defaultCallTimeout = 30 * time.Second

type callResult struct {
	node string
	body []byte
	err  error
}

// TryCallMany sends req to every node concurrently and returns as soon as
// strategy.Quorum of them succeeded. Calls still in flight are not cancelled;
// they run to completion or timeout in the background. Nodes known to be down
// count as failures without being contacted.
func (s *System) TryCallMany(ctx context.Context, nodes []string, endpoint string, req []byte, strategy RequestStrategy) ([]Response, error) {
	need := strategy.Quorum
	if need <= 0 {
		need = 1
	}
	if len(nodes) < need {
		return nil, storageerrors.InsufficientReplicas(0, need,
			fmt.Errorf("only %d nodes for %s", len(nodes), endpoint))
	}

	timeout := strategy.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	results := make(chan callResult, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		if !s.IsUp(node) {
			results <- callResult{node: node, err: storageerrors.Unavailable(fmt.Sprintf("node %s is down", node), nil)}
			continue
		}
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			body, err := s.Call(callCtx, node, endpoint, req)
			results <- callResult{node: node, body: body, err: err}
		}(node)
	}
	// results is buffered so stragglers never block after we return.
	go func() {
		wg.Wait()
		cancel()
	}()

	var (
		responses []Response
		errs      []error
	)
	// handle returns true once the outcome is decided.
	handle := func(r callResult) bool {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.node, r.err))
			return len(errs) > len(nodes)-need
		}
		responses = append(responses, Response{Node: r.node, Body: r.body})
		return len(responses) >= need
	}
	outcome := func() ([]Response, error) {
		if len(responses) >= need {
			return responses, nil
		}
		return responses, storageerrors.InsufficientReplicas(len(responses), need, stderrors.Join(errs...))
	}

	for received := 0; received < len(nodes); received++ {
		select {
		case r := <-results:
			if handle(r) {
				return outcome()
			}
		case <-ctx.Done():
			return responses, storageerrors.InsufficientReplicas(len(responses), need,
				storageerrors.Timeout(fmt.Sprintf("%s cancelled before quorum", endpoint), ctx.Err()))
		case <-callCtx.Done():
			// Every call may have finished just before the cancel; use what arrived.
			for {
				select {
				case r := <-results:
					if handle(r) {
						return outcome()
					}
					continue
				default:
				}
				break
			}
			return responses, storageerrors.InsufficientReplicas(len(responses), need,
				storageerrors.Timeout(fmt.Sprintf("%s timed out after %s", endpoint, timeout), callCtx.Err()))
		}
	}
	return outcome()
}

// CallAll sends req to every node and fails unless all of them succeed.
func (s *System) CallAll(ctx context.Context, nodes []string, endpoint string, req []byte, timeout time.Duration) ([]Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responses := make([]Response, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			if !s.IsUp(node) {
				return storageerrors.Unavailable(fmt.Sprintf("node %s is down", node), nil)
			}
			body, err := s.Call(gctx, node, endpoint, req)
			if err != nil {
				return fmt.Errorf("%s: %w", node, err)
			}
			responses[i] = Response{Node: node, Body: body}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}
