package kube

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/cache"
)

var LabelSelectorIndexName = "labelSelector"

// AddLabelSelectorIndexerToInformer indexes objects by every "key=value" label
// pair so pool selections stay O(matching) instead of O(namespace).
func AddLabelSelectorIndexerToInformer[T metav1.Object](informer cache.SharedIndexInformer) error {
	return informer.AddIndexers(cache.Indexers{
		LabelSelectorIndexName: func(obj interface{}) ([]string, error) {
			result, ok := obj.(T)
			if !ok {
				return []string{}, nil
			}
			var indices []string
			for key, value := range result.GetLabels() {
				indices = append(indices, key+"="+value)
			}
			return indices, nil
		},
	})
}

// SelectObjectFromInformerWithLabelSelector queries the indexer per label pair
// and intersects the results.
func SelectObjectFromInformerWithLabelSelector[T metav1.Object](informer cache.SharedIndexInformer, keysAndValues ...string) ([]T, error) {
	if len(keysAndValues)%2 != 0 {
		keysAndValues = keysAndValues[:len(keysAndValues)-1]
	}
	if len(keysAndValues) == 0 {
		return []T{}, nil
	}

	if len(keysAndValues) == 2 {
		selector := fmt.Sprintf("%s=%s", keysAndValues[0], keysAndValues[1])
		objs, err := informer.GetIndexer().ByIndex(LabelSelectorIndexName, selector)
		if err != nil {
			return nil, err
		}
		results := make([]T, 0, len(objs))
		for _, obj := range objs {
			if got, ok := obj.(T); ok {
				results = append(results, got)
			}
		}
		return results, nil
	}

	resultSets := make([]map[string]T, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		selector := fmt.Sprintf("%s=%s", keysAndValues[i], keysAndValues[i+1])
		objs, err := informer.GetIndexer().ByIndex(LabelSelectorIndexName, selector)
		if err != nil {
			return nil, err
		}
		resultSet := make(map[string]T)
		for _, obj := range objs {
			if got, ok := obj.(T); ok {
				resultSet[got.GetName()] = got
			}
		}
		resultSets = append(resultSets, resultSet)
	}

	result := make([]T, 0)
	for key, got := range resultSets[0] {
		foundInAll := true
		for j := 1; j < len(resultSets); j++ {
			if _, exists := resultSets[j][key]; !exists {
				foundInAll = false
				break
			}
		}
		if foundInAll {
			result = append(result, got)
		}
	}
	return result, nil
}
