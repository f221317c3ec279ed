// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package hosts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/oVirt/v2v-conversion-host/pkg/runner"
	"github.com/oVirt/v2v-conversion-host/pkg/state"
)

// Converter output directory inside the pod. The importing controller
// mounts the same volume and picks the result up from there.
const cnvOutputDir = "/data/vm"

const (
	metadataAnnotation = "/metadata/annotations/v2vConversionMetadata"
	progressAnnotation = "/metadata/annotations/v2vConversionProgress"
)

const serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// patchOp is a single JSON patch operation.
type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// podClient is the thin slice of the Kubernetes API the back-end needs:
// reading and patching the pod it runs in.
type podClient interface {
	Get(ctx context.Context) ([]byte, error)
	Patch(ctx context.Context, patch []byte) error
}

// cnvHost runs inside a pod on a KubeVirt cluster. The conversion result
// stays on a local volume, progress and the VM description are published
// as annotations on the controlling pod.
type cnvHost struct {
	base

	pod       podClient
	outputDir string
}

func newCNV(settings Settings) (*cnvHost, error) {
	// The controlling pod derives the log and state names from a fixed
	// tag.
	settings.Tag = "123"
	pod, err := newPodClient()
	if err != nil {
		return nil, err
	}
	return &cnvHost{
		base:      base{settings: settings},
		pod:       pod,
		outputDir: cnvOutputDir,
	}, nil
}

func (h *cnvHost) CreateRunner(args, env []string, logPath string) runner.Runner {
	return runner.NewSubprocess(h.settings.Converter, args, env, logPath)
}

func (h *cnvHost) Validate(ctx context.Context, req Request) error {
	// There is no libvirt inside the pod.
	req.Set("backend", "direct")
	return nil
}

func (h *cnvHost) BuildArgs(req Request, args, env []string) ([]string, []string) {
	args = append(args,
		"-o", "json",
		"-os", h.outputDir,
		"-oo", "json-disks-pattern=disk%{DiskNo}/disk.img",
	)
	return args, env
}

// Finalize publishes the converter produced VM description as a pod
// annotation where the importing controller picks it up.
func (h *cnvHost) Finalize(ctx context.Context, req Request, st *state.Store) bool {
	path := filepath.Join(h.outputDir, req.String("vm_name")+".json")
	description, err := os.ReadFile(path)
	if err != nil {
		hostLog.WithError(err).Errorf("Failed to read VM description %s", path)
		st.Surface("Failed to read VM description")
		return false
	}
	patch, err := json.Marshal([]patchOp{{
		Op:    "add",
		Path:  metadataAnnotation,
		Value: string(description),
	}})
	if err != nil {
		hostLog.WithError(err).Error("Failed to encode VM description patch")
		st.Surface("Failed to store VM description")
		return false
	}
	if err := h.pod.Patch(ctx, patch); err != nil {
		hostLog.WithError(err).Error("Failed to store VM description in pod annotation")
		st.Surface("Failed to store VM description")
		return false
	}
	return true
}

// UpdateProgress stores the overall progress in a pod annotation. Plain
// average over the disks for now, the disk sizes are not known here.
func (h *cnvHost) UpdateProgress(ctx context.Context, st *state.Store) error {
	var progress float64
	if len(st.Disks) > 0 {
		for _, disk := range st.Disks {
			progress += disk.Progress
		}
		progress /= float64(len(st.Disks))
	}

	raw, err := h.pod.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read pod description")
	}
	var pod map[string]interface{}
	if err := json.Unmarshal(raw, &pod); err != nil {
		return errors.Wrap(err, "could not decode pod description")
	}

	// Make sure /metadata/annotations exists before updating the
	// progress annotation.
	var ops []patchOp
	metadata, ok := pod["metadata"].(map[string]interface{})
	if !ok {
		hostLog.Debug("Creating /metadata in pod description")
		ops = append(ops, patchOp{Op: "add", Path: "/metadata", Value: map[string]interface{}{}})
		metadata = map[string]interface{}{}
	}
	if _, ok := metadata["annotations"]; !ok {
		hostLog.Debug("Creating /metadata/annotations in pod description")
		ops = append(ops, patchOp{Op: "add", Path: "/metadata/annotations", Value: map[string]interface{}{}})
	}
	ops = append(ops, patchOp{
		Op:    "add",
		Path:  progressAnnotation,
		Value: strconv.FormatFloat(progress, 'g', -1, 64),
	})

	patch, err := json.Marshal(ops)
	if err != nil {
		return errors.Wrap(err, "could not encode pod patch")
	}
	if err := h.pod.Patch(ctx, patch); err != nil {
		return errors.Wrap(err, "could not update pod annotations")
	}
	return nil
}

// k8sPod talks to the API server about the pod the wrapper runs in,
// authenticated by the mounted service account.
type k8sPod struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

func newPodClient() (*k8sPod, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "could not configure Kubernetes client")
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not create Kubernetes client")
	}
	namespace, err := os.ReadFile(filepath.Join(serviceAccountDir, "namespace"))
	if err != nil {
		return nil, errors.Wrap(err, "could not read pod namespace")
	}
	return &k8sPod{
		client:    client,
		namespace: strings.TrimSpace(string(namespace)),
		name:      os.Getenv("HOSTNAME"),
	}, nil
}

func (p *k8sPod) Get(ctx context.Context) ([]byte, error) {
	return p.client.CoreV1().RESTClient().
		Get().
		Namespace(p.namespace).
		Resource("pods").
		Name(p.name).
		Do(ctx).
		Raw()
}

func (p *k8sPod) Patch(ctx context.Context, patch []byte) error {
	_, err := p.client.CoreV1().Pods(p.namespace).
		Patch(ctx, p.name, types.JSONPatchType, patch, metav1.PatchOptions{})
	return err
}
