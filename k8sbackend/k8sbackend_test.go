package k8sbackend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/DominicBurkart/turbolift"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	return &Backend{
		cfg: Config{
			Namespace:       "default",
			DeployContainer: func(localTag string) (string, error) { return localTag, nil },
		},
		cacheDir:    t.TempDir(),
		clientset:   fake.NewSimpleClientset(),
		deployments: map[string]deployment{},
		client:      &http.Client{Timeout: time.Second},
	}
}

func TestSanitizeFunctionNameReplacesUnderscores(t *testing.T) {
	assert.Equal(t, "my-func", sanitizeFunctionName("my_func"))
}

func TestShortIDIsStableLength(t *testing.T) {
	run := turbolift.NewRunID()
	id := shortID(run)
	assert.Len(t, id, 10)
}

func TestCreateDeploymentServiceIngress(t *testing.T) {
	b := newTestBackend(t)
	labels := map[string]string{"app": "square-abc", runIDLabel: "r1"}

	require.NoError(t, b.createDeployment(context.Background(), "default", "square-abc", "square:turbolift", labels))
	require.NoError(t, b.createService(context.Background(), "default", "square-abc", labels))
	require.NoError(t, b.createIngress(context.Background(), "default", "square-abc", labels))

	deps, err := b.clientset.AppsV1().Deployments("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deps.Items, 1)
	assert.Equal(t, "square-abc-deployment", deps.Items[0].Name)
	assert.Equal(t, "r1", deps.Items[0].Labels[runIDLabel])

	svcs, err := b.clientset.CoreV1().Services("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, svcs.Items, 1)
	assert.Equal(t, "square-abc", svcs.Items[0].Name)

	ings, err := b.clientset.NetworkingV1().Ingresses("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, ings.Items, 1)
	assert.Equal(t, "square-abc-ingress", ings.Items[0].Name)
}

func TestCloseDeletesOnlyLabeledObjects(t *testing.T) {
	b := newTestBackend(t)
	run := turbolift.NewRunID()
	b.runID = run
	b.runIDSet = true

	ctx := context.Background()
	labeled := map[string]string{runIDLabel: run.String()}
	unlabeled := map[string]string{runIDLabel: "some-other-run"}

	_, err := b.clientset.AppsV1().Deployments("default").Create(ctx, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "keep-me", Labels: labeled},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = b.clientset.AppsV1().Deployments("default").Create(ctx, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "not-mine", Labels: unlabeled},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = b.clientset.CoreV1().Services("default").Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "keep-svc", Labels: labeled},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = b.clientset.NetworkingV1().Ingresses("default").Create(ctx, &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "keep-ing", Labels: labeled},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))

	deps, err := b.clientset.AppsV1().Deployments("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, deps.Items, 1)
	assert.Equal(t, "not-mine", deps.Items[0].Name)

	svcs, err := b.clientset.CoreV1().Services("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, svcs.Items)

	ings, err := b.clientset.NetworkingV1().Ingresses("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, ings.Items)

	assert.Empty(t, b.deployments)
}

func TestCloseIsNoopWithoutPriorDeclare(t *testing.T) {
	b := newTestBackend(t)
	assert.NoError(t, b.Close(context.Background()))
}

func TestWaitForHealthProbeSucceedsWhenReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health-probe" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := newTestBackend(t)
	err := b.waitForHealthProbe(context.Background(), srv.URL)
	assert.NoError(t, err)
}

func TestWaitForHealthProbeFailsOnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := newTestBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.waitForHealthProbe(ctx, srv.URL)
	assert.Error(t, err)
}

func TestDispatchRejectsUndeclaredFunction(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Dispatch(context.Background(), "square", []string{"3"})
	assert.Error(t, err)
}

func TestDispatchSendsExpectedURLAndReturnsBody(t *testing.T) {
	var capturedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		w.Write([]byte("9"))
	}))
	defer srv.Close()

	b := newTestBackend(t)
	run := turbolift.NewRunID()
	b.runID = run
	b.runIDSet = true
	b.deployments["square"] = deployment{appName: "square-abc", baseURL: srv.URL}

	body, err := b.Dispatch(context.Background(), "square", []string{"3"})
	require.NoError(t, err)
	assert.Equal(t, "9", string(body))
	assert.Equal(t, "/square/"+run.String()+"/3", capturedPath)
}

func TestRenderDockerfileReferencesFunctionBinary(t *testing.T) {
	out := renderDockerfile("square")
	assert.Contains(t, out, "go build")
	assert.Contains(t, out, "/square")
	assert.Contains(t, out, "ENTRYPOINT")
}

func TestBuildContextTarContainsDockerfileAndBundle(t *testing.T) {
	data, err := buildContextTar("FROM scratch\n", []byte("bundle-bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
