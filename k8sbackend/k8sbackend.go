// Package k8sbackend implements the turbolift Kubernetes backend: it
// builds a container image for a distributed function's derived project,
// hands it to a user-supplied deployer callback, and creates a Deployment,
// Service, and Ingress (and, above one replica, a HorizontalPodAutoscaler)
// for it in a configurable namespace. It is the Go rendering of the
// original Rust implementation's K8s backend
// (turbolift_internals/src/kubernetes.rs).
package k8sbackend

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockerclient "github.com/docker/docker/client"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/DominicBurkart/turbolift"
	"github.com/DominicBurkart/turbolift/service"
)

// runIDLabel is the label every cluster object created for one backend
// instance carries, so teardown is one batched, label-selected delete per
// object kind — spec.md's intended design for the Kubernetes teardown Open
// Question.
const runIDLabel = "turbolift-run-id"

// ContainerPort is the port the generated service binary listens on
// inside its container, matching the original's fixed CONTAINER_PORT.
const ContainerPort = 8080

// Config configures one Kubernetes backend instance.
type Config struct {
	// Namespace is the cluster namespace every object is created in.
	// Defaults to "default" if empty, matching the original's fixed
	// TURBOLIFT_K8S_NAMESPACE.
	Namespace string

	// ExternalPort is the port the ingress is expected to be reachable on.
	// Defaults to 80, matching the original's fixed EXTERNAL_PORT.
	ExternalPort int

	// IngressHost is the host dispatches are sent to. Defaults to
	// "localhost", matching the original's hard-coded node IP placeholder.
	IngressHost string

	// MaxReplicas caps the number of replicas per distributed function. A
	// value above 1 causes a HorizontalPodAutoscaler to be created;
	// defaults to 1 (no autoscaling), matching the original's
	// with_max_replicas. The zero value selects that default; negative
	// values are a ConfigurationError.
	MaxReplicas int32

	// DeployContainer publishes a locally built image (tagged localTag) to
	// somewhere the cluster can pull from, returning the tag the cluster
	// should use. Required.
	DeployContainer func(localTag string) (clusterTag string, err error)
}

func (c Config) namespace() string {
	if c.Namespace == "" {
		return "default"
	}
	return c.Namespace
}

func (c Config) externalPort() int {
	if c.ExternalPort == 0 {
		return 80
	}
	return c.ExternalPort
}

func (c Config) ingressHost() string {
	if c.IngressHost == "" {
		return "localhost"
	}
	return c.IngressHost
}

func (c Config) maxReplicas() int32 {
	if c.MaxReplicas == 0 {
		return 1
	}
	return c.MaxReplicas
}

// deployment is what Backend remembers about one declared function.
type deployment struct {
	appName string
	baseURL string
}

// Backend is a turbolift.Backend that runs each distributed function as a
// Kubernetes Deployment, reachable through a Service and Ingress.
type Backend struct {
	cfg       Config
	cacheDir  string
	clientset kubernetes.Interface
	docker    dockerclient.CommonAPIClient

	mu          sync.Mutex
	runID       turbolift.RunID
	runIDSet    bool
	deployments map[string]deployment
	client      *http.Client
}

var _ turbolift.Backend = (*Backend)(nil)

// New constructs a Kubernetes backend. Cluster access is resolved with the
// same in-cluster-then-kubeconfig fallback chain knative-func's
// pkg/k8s.GetClientConfig uses.
func New(cfg Config, cacheDir string) (*Backend, error) {
	if cfg.DeployContainer == nil {
		return nil, &turbolift.ConfigurationError{Reason: "k8sbackend: DeployContainer callback is required"}
	}
	if cfg.MaxReplicas < 0 {
		return nil, &turbolift.ConfigurationError{Reason: "k8sbackend: max replicas must be at least 1"}
	}

	clientset, err := newClientset()
	if err != nil {
		return nil, errors.Wrap(err, "k8sbackend: connecting to cluster")
	}

	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "k8sbackend: connecting to docker daemon")
	}

	return &Backend{
		cfg:         cfg,
		cacheDir:    cacheDir,
		clientset:   clientset,
		docker:      docker,
		deployments: map[string]deployment{},
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// newClientset tries in-cluster configuration first, then falls back to
// the local kubeconfig file, the same fallback chain as knative-func's
// pkg/k8s.NewKubernetesClientset.
func newClientset() (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, errors.Wrap(err, "no in-cluster config and no usable kubeconfig")
		}
	}
	return kubernetes.NewForConfig(restConfig)
}

func sanitizeFunctionName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// Declare builds an image for the function's derived project, publishes it
// via the configured DeployContainer callback, and creates its Deployment,
// Service, Ingress, and (above one replica) HorizontalPodAutoscaler, per
// spec.md §4.6.
func (b *Backend) Declare(ctx context.Context, name string, run turbolift.RunID, bundle []byte) error {
	if b.Declared(name) {
		return nil
	}
	b.mu.Lock()
	if !b.runIDSet {
		b.runID = run
		b.runIDSet = true
	}
	b.mu.Unlock()

	appName := fmt.Sprintf("%s-%s", sanitizeFunctionName(name), shortID(run))

	localTag, err := b.buildImage(ctx, appName, name, bundle)
	if err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "building image")}
	}

	clusterTag, err := b.cfg.DeployContainer(localTag)
	if err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "publishing image")}
	}

	labels := map[string]string{"app": appName, runIDLabel: run.String()}
	ns := b.cfg.namespace()

	if err := b.createDeployment(ctx, ns, appName, clusterTag, labels); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: err}
	}
	if err := b.createService(ctx, ns, appName, labels); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: err}
	}
	if err := b.createIngress(ctx, ns, appName, labels); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: err}
	}
	if b.cfg.maxReplicas() > 1 {
		if err := b.createAutoscaler(ctx, ns, appName, labels); err != nil {
			return &turbolift.DeclareError{Function: name, Cause: err}
		}
	}

	baseURL := fmt.Sprintf("http://%s:%d/%s", b.cfg.ingressHost(), b.cfg.externalPort(), appName)
	if err := b.waitForHealthProbe(ctx, baseURL); err != nil {
		return &turbolift.DeclareError{Function: name, Cause: errors.Wrap(err, "waiting for readiness")}
	}

	b.mu.Lock()
	b.deployments[name] = deployment{appName: appName, baseURL: baseURL}
	b.mu.Unlock()

	log.Info().Str("function", name).Str("app", appName).Str("base_url", baseURL).Msg("function declared")
	return nil
}

// shortID truncates a RunID to a cluster-name-safe prefix: Kubernetes
// object names are capped at 253 characters and labels at 63, so the full
// 36-character UUID string is shortened the way the original truncates
// run_id.as_u128() into the app name.
func shortID(run turbolift.RunID) string {
	s := strings.ReplaceAll(run.String(), "-", "")
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// Declared reports whether Declare has completed for name.
func (b *Backend) Declared(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.deployments[name]
	return ok
}

// Dispatch sends a GET request through the function's Ingress and returns
// the raw JSON body, per spec.md §4.6.
func (b *Backend) Dispatch(ctx context.Context, name string, encodedArgs []string) ([]byte, error) {
	b.mu.Lock()
	dep, ok := b.deployments[name]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("k8sbackend: %q has not been declared", name)
	}

	url := fmt.Sprintf("%s/%s/%s/%s", dep.baseURL, name, b.runID.String(), strings.Join(encodedArgs, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building dispatch request")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending dispatch request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading dispatch response")
	}
	if resp.StatusCode >= 300 {
		return nil, errors.Errorf("service returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// waitForHealthProbe polls baseURL's /health-probe route with exponential
// backoff, the same readiness policy localqueue uses, per spec.md §9 Open
// Question #2.
func (b *Backend) waitForHealthProbe(ctx context.Context, baseURL string) error {
	probeURL := baseURL + service.HealthProbePath

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	deadline, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	operation := func() error {
		req, err := http.NewRequestWithContext(deadline, http.MethodGet, probeURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("health probe returned status %d", resp.StatusCode)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, deadline))
}

// Close deletes every Deployment, Service, Ingress, and
// HorizontalPodAutoscaler carrying this instance's run-id label in the
// backend's namespace. Each kind is deleted with one label-selected
// List+Delete pass; failures are logged as TeardownErrors, do not stop the
// remaining deletions, and are not returned (Close returns nil), per
// spec.md §4.6/§7's non-fatal teardown contract.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	run := b.runID
	runIDSet := b.runIDSet
	b.mu.Unlock()
	if !runIDSet {
		return nil
	}

	ns := b.cfg.namespace()
	selector := metav1.ListOptions{LabelSelector: fmt.Sprintf("%s=%s", runIDLabel, run.String())}

	record := func(resource string, err error) {
		if err == nil || apierrors.IsNotFound(err) {
			return
		}
		wrapped := &turbolift.TeardownError{Resource: resource, Cause: err}
		log.Warn().Err(wrapped).Msg("teardown failed")
	}

	deployments, err := b.clientset.AppsV1().Deployments(ns).List(ctx, selector)
	record("deployments:list", err)
	if err == nil {
		for _, d := range deployments.Items {
			record("deployment:"+d.Name, b.clientset.AppsV1().Deployments(ns).Delete(ctx, d.Name, metav1.DeleteOptions{}))
		}
	}

	services, err := b.clientset.CoreV1().Services(ns).List(ctx, selector)
	record("services:list", err)
	if err == nil {
		for _, s := range services.Items {
			record("service:"+s.Name, b.clientset.CoreV1().Services(ns).Delete(ctx, s.Name, metav1.DeleteOptions{}))
		}
	}

	ingresses, err := b.clientset.NetworkingV1().Ingresses(ns).List(ctx, selector)
	record("ingresses:list", err)
	if err == nil {
		for _, i := range ingresses.Items {
			record("ingress:"+i.Name, b.clientset.NetworkingV1().Ingresses(ns).Delete(ctx, i.Name, metav1.DeleteOptions{}))
		}
	}

	hpas, err := b.clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).List(ctx, selector)
	record("hpas:list", err)
	if err == nil {
		for _, h := range hpas.Items {
			record("hpa:"+h.Name, b.clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).Delete(ctx, h.Name, metav1.DeleteOptions{}))
		}
	}

	b.mu.Lock()
	b.deployments = map[string]deployment{}
	b.mu.Unlock()

	return nil
}

func (b *Backend) createDeployment(ctx context.Context, ns, appName, image string, labels map[string]string) error {
	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: appName + "-deployment", Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": appName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: appName + "-app", Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  appName + "-app",
						Image: image,
						Args:  []string{fmt.Sprintf("0.0.0.0:%d", ContainerPort)},
						Ports: []corev1.ContainerPort{{ContainerPort: ContainerPort}},
					}},
				},
			},
		},
	}
	_, err := b.clientset.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{})
	return errors.Wrap(err, "creating deployment")
}

func (b *Backend) createService(ctx context.Context, ns, appName string, labels map[string]string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: appName, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": appName},
			Ports: []corev1.ServicePort{{
				Port:       ContainerPort,
				TargetPort: intstr.FromInt(ContainerPort),
			}},
		},
	}
	_, err := b.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
	return errors.Wrap(err, "creating service")
}

func (b *Backend) createIngress(ctx context.Context, ns, appName string, labels map[string]string) error {
	pathType := networkingv1.PathTypePrefix
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: appName + "-ingress", Labels: labels},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/" + appName,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: appName,
									Port: networkingv1.ServiceBackendPort{Number: ContainerPort},
								},
							},
						}},
					},
				},
			}},
		},
	}
	_, err := b.clientset.NetworkingV1().Ingresses(ns).Create(ctx, ing, metav1.CreateOptions{})
	return errors.Wrap(err, "creating ingress")
}

func (b *Backend) createAutoscaler(ctx context.Context, ns, appName string, labels map[string]string) error {
	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: appName + "-hpa", Labels: labels},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				Kind:       "Deployment",
				Name:       appName + "-deployment",
				APIVersion: "apps/v1",
			},
			MinReplicas: int32Ptr(1),
			MaxReplicas: b.cfg.maxReplicas(),
		},
	}
	_, err := b.clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).Create(ctx, hpa, metav1.CreateOptions{})
	return errors.Wrap(err, "creating autoscaler")
}

func int32Ptr(n int32) *int32 { return &n }

// buildImage writes a generated Dockerfile and the function's source
// bundle into a scratch build directory, builds the image with the Docker
// Engine API, and deletes the build directory on the way out, success or
// failure, per spec.md §6's "(added) Filesystem layout additions".
func (b *Backend) buildImage(ctx context.Context, appName, functionName string, bundle []byte) (string, error) {
	buildDir := filepath.Join(b.cacheDir, appName+"_k8s_build")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating image build directory")
	}
	defer os.RemoveAll(buildDir)

	dockerfile := renderDockerfile(functionName)
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return "", errors.Wrap(err, "writing Dockerfile")
	}
	if err := os.WriteFile(filepath.Join(buildDir, "source.tar"), bundle, 0o644); err != nil {
		return "", errors.Wrap(err, "writing source bundle")
	}

	context, err := buildContextTar(dockerfile, bundle)
	if err != nil {
		return "", errors.Wrap(err, "assembling build context")
	}

	tag := fmt.Sprintf("%s:turbolift", appName)
	resp, err := b.docker.ImageBuild(ctx, bytes.NewReader(context), dockertypes.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", errors.Wrap(err, "building image")
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", errors.Wrap(err, "reading image build output")
	}

	return tag, nil
}

// renderDockerfile builds a multi-stage Dockerfile: a golang:1.22 builder
// stage unpacks the source tar and runs `go build`, and a minimal runtime
// stage copies out only the resulting binary, the Go analogue of the
// original's Rust-toolchain builder stage plus scratch runtime stage.
func renderDockerfile(functionName string) string {
	return fmt.Sprintf(`FROM golang:1.22 AS builder
WORKDIR /src
COPY source.tar source.tar
RUN tar xf source.tar
WORKDIR /src/%s
RUN CGO_ENABLED=0 go build -ldflags "-s -w" -o /out/%s .

FROM gcr.io/distroless/static-debian12
COPY --from=builder /out/%s /%s
ENTRYPOINT ["/%s"]
`, functionName, functionName, functionName, functionName, functionName)
}

// buildContextTar assembles the minimal two-entry tar archive the Docker
// Engine API needs as a build context: the generated Dockerfile plus the
// function's own source bundle.
func buildContextTar(dockerfile string, bundle []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{"Dockerfile", []byte(dockerfile)},
		{"source.tar", bundle},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), tw.Close()
}
