package taskmesh

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/internal/metrics"
	"github.com/nexweave/taskmesh/testutil"
	"github.com/nexweave/taskmesh/testutil/fixtures"
	"github.com/nexweave/taskmesh/types"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.ID = "node-test"

	collector := metrics.NewCollector("taskmesh_e2e", prometheus.NewRegistry(), zaptest.NewLogger(t))
	node, err := NewNode(cfg, zaptest.NewLogger(t), WithCollector(collector))
	require.NoError(t, err)

	require.NoError(t, node.Start(testutil.TestContext(t)))
	t.Cleanup(func() { require.NoError(t, node.Stop()) })
	return node
}

func TestNodeLifecycle(t *testing.T) {
	node := newTestNode(t)
	require.Equal(t, "node-test", node.ID())
	require.NotNil(t, node.Directory())
	require.NotNil(t, node.Dispatcher())
	require.NotNil(t, node.Orchestrator())
	require.NotNil(t, node.Fabric())
	require.Nil(t, node.Archive())
	require.Nil(t, node.Authenticator())
}

func TestNodeAuthenticatorEnabledBySigningKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.ID = "node-auth"
	cfg.Security.SigningKey = "0123456789abcdef0123456789abcdef"

	collector := metrics.NewCollector("taskmesh_auth", prometheus.NewRegistry(), zaptest.NewLogger(t))
	node, err := NewNode(cfg, zaptest.NewLogger(t), WithCollector(collector))
	require.NoError(t, err)
	require.NotNil(t, node.Authenticator())
}

// TestJobEndToEnd runs the full path: register agents, submit a job with
// two tasks steered to different agents by capability, complete one and
// fail the other, then check job metrics and reputation fallout.
func TestJobEndToEnd(t *testing.T) {
	node := newTestNode(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, node.Directory().Register(fixtures.OnlineAgent("agent-a", "summarize")))
	require.NoError(t, node.Directory().Register(fixtures.OnlineAgent("agent-b", "translate")))

	job, err := node.SubmitJob(ctx, "user-1", "process documents",
		[]string{"summarize the report", "translate the summary"},
		map[string]string{types.MetaRequiredCapability: "summarize"},
		map[string]string{types.MetaRequiredCapability: "translate"},
	)
	require.NoError(t, err)
	require.Len(t, job.TaskIDs, 2)
	require.Equal(t, 2, job.Metrics.TotalTasks)

	tasks, err := node.Orchestrator().ListTasks(job.ID)
	require.NoError(t, err)
	require.Equal(t, "agent-a", tasks[0].AssignedAgent)
	require.Equal(t, "agent-b", tasks[1].AssignedAgent)
	require.Equal(t, types.TaskQueued, tasks[0].Status)

	require.NoError(t, node.Orchestrator().StartTask(tasks[0].ID))
	require.NoError(t, node.Orchestrator().StartTask(tasks[1].ID))
	require.NoError(t, node.Orchestrator().CompleteTask(tasks[0].ID, "summary done"))
	require.NoError(t, node.Orchestrator().FailTask(tasks[1].ID, "model unavailable"))

	job, err = node.Orchestrator().GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, job.Status)
	require.Equal(t, 1, job.Metrics.CompletedTasks)
	require.Equal(t, 1, job.Metrics.FailedTasks)

	// Success on a full score clamps at 1.0; failure costs exactly the
	// configured delta.
	scoreA, ok := node.Reputation().Score("agent-a")
	require.True(t, ok)
	require.InDelta(t, 1.0, scoreA, 1e-9)

	scoreB, ok := node.Reputation().Score("agent-b")
	require.True(t, ok)
	require.InDelta(t, 0.8, scoreB, 1e-9)

	agentB, err := node.Directory().Get("agent-b")
	require.NoError(t, err)
	require.InDelta(t, 0.8, agentB.Reputation, 1e-9)
}

func TestSubmitJobNoCandidateMarksTaskFailed(t *testing.T) {
	node := newTestNode(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, node.Directory().Register(fixtures.OfflineAgent("agent-down")))

	job, err := node.SubmitJob(ctx, "user-1", "orphaned work", []string{"anything"})
	require.NoError(t, err)

	tasks, err := node.Orchestrator().ListTasks(job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, types.TaskFailed, tasks[0].Status)
	require.Equal(t, types.JobFailed, job.Status)
}

func TestRepeatedFailuresQuarantineAgent(t *testing.T) {
	node := newTestNode(t)
	ctx := testutil.TestContext(t)

	require.NoError(t, node.Directory().Register(fixtures.OnlineAgent("agent-flaky", "compute")))

	// Four failures at -0.2 each drop the score to 0.2, strictly below
	// the 0.3 quarantine threshold.
	for i := 0; i < 4; i++ {
		job, err := node.SubmitJob(ctx, "user-1", "flaky work", []string{"compute"},
			map[string]string{types.MetaRequiredCapability: "compute"})
		if err != nil {
			break
		}
		tasks, err := node.Orchestrator().ListTasks(job.ID)
		require.NoError(t, err)
		if tasks[0].Status != types.TaskQueued {
			break
		}
		require.NoError(t, node.Orchestrator().StartTask(tasks[0].ID))
		require.NoError(t, node.Orchestrator().FailTask(tasks[0].ID, "boom"))
	}

	agent, err := node.Directory().Get("agent-flaky")
	require.NoError(t, err)
	require.Equal(t, types.AgentQuarantined, agent.Status)

	score, ok := node.Reputation().Score("agent-flaky")
	require.True(t, ok)
	require.InDelta(t, 0.2, score, 1e-9)
}
