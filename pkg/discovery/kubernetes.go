// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubeDiscovery implements Discovery with the endpoints of a Kubernetes
// service.
type KubeDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	portName  string
	// hostname identifies this pod so it is left out of the results.
	hostname string
}

// NewKubeDiscovery creates a discovery client configured from the pod's
// service account.
func NewKubeDiscovery(namespace, service, portName string) (*KubeDiscovery, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("could not get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}
	return NewKubeDiscoveryWithClient(clientset, namespace, service, portName), nil
}

// NewKubeDiscoveryWithClient creates a discovery client on top of an existing
// clientset.
func NewKubeDiscoveryWithClient(clientset kubernetes.Interface, namespace, service, portName string) *KubeDiscovery {
	hostname, _ := os.Hostname()
	return &KubeDiscovery{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		portName:  portName,
		hostname:  hostname,
	}
}

// DiscoverPeers lists the ready endpoints of the service that expose the
// broker port.
func (k *KubeDiscovery) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	endpoints, err := k.clientset.CoreV1().Endpoints(k.namespace).Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints for service %s: %w", k.service, err)
	}

	var peers []Peer
	for _, subset := range endpoints.Subsets {
		var port int32
		for _, p := range subset.Ports {
			if p.Name == k.portName {
				port = p.Port
				break
			}
		}
		if port == 0 {
			continue
		}

		for _, addr := range subset.Addresses {
			if addr.Hostname != "" && addr.Hostname == k.hostname {
				continue
			}
			id := addr.Hostname
			if id == "" && addr.TargetRef != nil {
				id = addr.TargetRef.Name
			}
			peers = append(peers, Peer{
				ID:      id,
				Address: net.JoinHostPort(addr.IP, strconv.Itoa(int(port))),
			})
		}
	}
	return peers, nil
}
