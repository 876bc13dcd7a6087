package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestEnsureNetworkPolicies(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	k := NewKubernetesWithClient(clientset, nil, "sbx")
	ctx := context.Background()

	require.NoError(t, k.EnsureNetworkPolicies(ctx))
	// A second pass updates in place.
	require.NoError(t, k.EnsureNetworkPolicies(ctx))

	list, err := clientset.NetworkingV1().NetworkPolicies("sbx").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 4)

	byName := map[string]networkingv1.NetworkPolicy{}
	for _, p := range list.Items {
		assert.Equal(t, "true", p.Spec.PodSelector.MatchLabels[LabelManaged])
		byName[p.Name] = p
	}

	deny := byName[policyDenyAll]
	assert.ElementsMatch(t, []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress}, deny.Spec.PolicyTypes)
	assert.Empty(t, deny.Spec.Ingress)
	assert.Empty(t, deny.Spec.Egress)

	ssh := byName[policyAllowSSH]
	require.Len(t, ssh.Spec.Ingress, 1)
	assert.Equal(t, int32(sshPort), ssh.Spec.Ingress[0].Ports[0].Port.IntVal)

	egress := byName[policyAllowEgress]
	require.Len(t, egress.Spec.Egress, 1)
	block := egress.Spec.Egress[0].To[0].IPBlock
	require.NotNil(t, block)
	assert.Equal(t, "0.0.0.0/0", block.CIDR)
	assert.Contains(t, block.Except, "169.254.0.0/16")
	assert.Contains(t, block.Except, "10.0.0.0/8")

	dns := byName[policyAllowDNS]
	require.Len(t, dns.Spec.Egress, 1)
	assert.Len(t, dns.Spec.Egress[0].Ports, 2)
}
