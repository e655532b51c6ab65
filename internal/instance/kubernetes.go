package instance

import (
	"context"
	"fmt"

	"github.com/shellpod/shellpod/internal/config"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

type KubernetesOrchestrator struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	available  bool
	inCluster  bool
}

func (k *KubernetesOrchestrator) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, config.Cfg.K8sNamespace, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesOrchestrator) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesOrchestrator) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesOrchestrator) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesOrchestrator) CreateInstance(ctx context.Context, params CreateParams) error {
	ns := k.ns()

	pvc := buildWorkspacePVC(params.Name+"-workspace", ns)
	if _, err := k.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create workspace PVC: %w", err)
	}

	dep := buildDeployment(params, ns)
	if _, err := k.clientset.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}

	svc := buildService(params.Name, ns)
	if _, err := k.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	return nil
}

func (k *KubernetesOrchestrator) StartInstance(ctx context.Context, name string) error {
	return k.scaleDeployment(ctx, name, 1)
}

func (k *KubernetesOrchestrator) StopInstance(ctx context.Context, name string) error {
	return k.scaleDeployment(ctx, name, 0)
}

func (k *KubernetesOrchestrator) DeleteInstance(ctx context.Context, name string) error {
	ns := k.ns()

	if err := k.clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := k.clientset.CoreV1().Services(ns).Delete(ctx, name+"-agent", metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	if err := k.clientset.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, name+"-workspace", metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete workspace PVC: %w", err)
	}
	return nil
}

func (k *KubernetesOrchestrator) InstanceStatus(ctx context.Context, name string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", name),
	})
	if err != nil {
		return StateUnknown, err
	}
	if len(pods.Items) == 0 {
		return StateStopped, nil
	}

	pod := pods.Items[0]
	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil {
				return StateStarting, nil
			}
			if cs.Ready {
				return StateHealthy, nil
			}
		}
		return StateRunning, nil
	case corev1.PodPending:
		return StateStarting, nil
	case corev1.PodFailed, corev1.PodUnknown:
		return StateError, nil
	default:
		return StateStarting, nil
	}
}

func (k *KubernetesOrchestrator) InstanceEndpoint(ctx context.Context, name string) (string, error) {
	svcName := name + "-agent"
	svc, err := k.clientset.CoreV1().Services(k.ns()).Get(ctx, svcName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s: %w", svcName, err)
	}
	return fmt.Sprintf("%s:%d", svc.Spec.ClusterIP, config.Cfg.AgentPort), nil
}

func (k *KubernetesOrchestrator) scaleDeployment(ctx context.Context, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := k.clientset.AppsV1().Deployments(k.ns()).Patch(
		ctx, name, "application/strategic-merge-patch+json", []byte(patch), metav1.PatchOptions{},
	)
	return err
}

func buildWorkspacePVC(name, ns string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse("10Gi"),
				},
			},
		},
	}
}

func buildDeployment(params CreateParams, ns string) *appsv1.Deployment {
	replicas := int32(1)
	agentPort := int32(config.Cfg.AgentPort)

	envVars := []corev1.EnvVar{
		{Name: "SHELLPOD_SESSION_ID", Value: params.SessionID},
		{Name: "SHELLPOD_BUCKET", Value: params.Bucket},
	}
	for name, value := range params.EnvVars {
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	limits := corev1.ResourceList{}
	if params.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(params.CPULimit)
	}
	if params.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(params.MemoryLimit)
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.Name,
			Namespace: ns,
			Labels:    map[string]string{"app": params.Name, "managed-by": "shellpod"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": params.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": params.Name, "managed-by": "shellpod"}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            "sandbox",
						Image:           params.Image,
						ImagePullPolicy: corev1.PullAlways,
						Ports: []corev1.ContainerPort{
							{Name: "agent", ContainerPort: agentPort},
						},
						Env: envVars,
						Resources: corev1.ResourceRequirements{
							Limits: limits,
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "workspace", MountPath: "/workspace"},
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler:        corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{Path: "/health", Port: intstr.FromInt32(agentPort)}},
							InitialDelaySeconds: 10,
							PeriodSeconds:       10,
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "workspace", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: params.Name + "-workspace"}}},
					},
				},
			},
		},
	}
}

func buildService(name, ns string) *corev1.Service {
	agentPort := int32(config.Cfg.AgentPort)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name + "-agent", Namespace: ns},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "agent", Port: agentPort, TargetPort: intstr.FromInt32(agentPort), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}
