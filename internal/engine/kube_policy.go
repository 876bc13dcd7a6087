package engine

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	policyDenyAll      = "sandboxd-default-deny"
	policyAllowDNS     = "sandboxd-allow-dns"
	policyAllowSSH     = "sandboxd-allow-ssh"
	policyAllowEgress  = "sandboxd-allow-internet-egress"
	sshPort            = 22
	dnsPort            = 53
	kubeSystemNSLabel  = "kubernetes.io/metadata.name"
	kubeDNSSelectorKey = "k8s-app"
)

// EnsureNetworkPolicies applies the namespace-wide isolation for sandbox pods:
// everything is denied except DNS, SSH ingress and egress to public addresses.
// Sandboxes never reach each other, the cluster network or the metadata service.
func (k *Kubernetes) EnsureNetworkPolicies(ctx context.Context) error {
	for _, p := range []*networkingv1.NetworkPolicy{
		k.denyAllPolicy(),
		k.allowDNSPolicy(),
		k.allowSSHPolicy(),
		k.allowInternetEgressPolicy(),
	} {
		if err := k.ensurePolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to ensure policy %s: %w", p.Name, err)
		}
	}
	return nil
}

func (k *Kubernetes) ensurePolicy(ctx context.Context, policy *networkingv1.NetworkPolicy) error {
	policies := k.clientset.NetworkingV1().NetworkPolicies(k.namespace)
	existing, err := policies.Get(ctx, policy.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			_, err = policies.Create(ctx, policy, metav1.CreateOptions{})
		}
		return err
	}
	policy.ResourceVersion = existing.ResourceVersion
	_, err = policies.Update(ctx, policy, metav1.UpdateOptions{})
	return err
}

func sandboxPods() metav1.LabelSelector {
	return metav1.LabelSelector{MatchLabels: map[string]string{LabelManaged: "true"}}
}

func tcpPort(port int32) networkingv1.NetworkPolicyPort {
	proto := corev1.ProtocolTCP
	return networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &intstr.IntOrString{Type: intstr.Int, IntVal: port}}
}

func udpPort(port int32) networkingv1.NetworkPolicyPort {
	proto := corev1.ProtocolUDP
	return networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &intstr.IntOrString{Type: intstr.Int, IntVal: port}}
}

func (k *Kubernetes) policy(name string, spec networkingv1.NetworkPolicySpec) *networkingv1.NetworkPolicy {
	spec.PodSelector = sandboxPods()
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    map[string]string{LabelManaged: "true"},
		},
		Spec: spec,
	}
}

func (k *Kubernetes) denyAllPolicy() *networkingv1.NetworkPolicy {
	return k.policy(policyDenyAll, networkingv1.NetworkPolicySpec{
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
	})
}

func (k *Kubernetes) allowDNSPolicy() *networkingv1.NetworkPolicy {
	return k.policy(policyAllowDNS, networkingv1.NetworkPolicySpec{
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		Egress: []networkingv1.NetworkPolicyEgressRule{{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{kubeSystemNSLabel: "kube-system"}},
				PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{kubeDNSSelectorKey: "kube-dns"}},
			}},
			Ports: []networkingv1.NetworkPolicyPort{udpPort(dnsPort), tcpPort(dnsPort)},
		}},
	})
}

func (k *Kubernetes) allowSSHPolicy() *networkingv1.NetworkPolicy {
	return k.policy(policyAllowSSH, networkingv1.NetworkPolicySpec{
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
		Ingress: []networkingv1.NetworkPolicyIngressRule{{
			Ports: []networkingv1.NetworkPolicyPort{tcpPort(sshPort)},
		}},
	})
}

func (k *Kubernetes) allowInternetEgressPolicy() *networkingv1.NetworkPolicy {
	return k.policy(policyAllowEgress, networkingv1.NetworkPolicySpec{
		PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		Egress: []networkingv1.NetworkPolicyEgressRule{{
			To: []networkingv1.NetworkPolicyPeer{{
				IPBlock: &networkingv1.IPBlock{
					CIDR: "0.0.0.0/0",
					Except: []string{
						"10.0.0.0/8",
						"172.16.0.0/12",
						"192.168.0.0/16",
						"127.0.0.0/8",
						"169.254.0.0/16",
					},
				},
			}},
		}},
	})
}
