package kube

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// Cache is the informer-backed read path over the sandbox namespace. Writes
// always go through the API server; the cache only serves listings and the
// update/delete callbacks that drive pool accounting.
type Cache struct {
	namespace       string
	informerFactory informers.SharedInformerFactory
	podInformer     cache.SharedIndexInformer
	stopCh          chan struct{}
}

func NewCache(client kubernetes.Interface, namespace string) (*Cache, error) {
	informerFactory := informers.NewSharedInformerFactoryWithOptions(client, time.Minute*10, informers.WithNamespace(namespace))
	podInformer := informerFactory.Core().V1().Pods().Informer()
	if err := AddLabelSelectorIndexerToInformer[*corev1.Pod](podInformer); err != nil {
		return nil, err
	}
	c := &Cache{
		namespace:       namespace,
		informerFactory: informerFactory,
		podInformer:     podInformer,
		stopCh:          make(chan struct{}),
	}
	return c, nil
}

func (c *Cache) Run(done chan<- struct{}) {
	c.informerFactory.Start(c.stopCh)
	klog.Info("Cache informer started")
	go func() {
		c.informerFactory.WaitForCacheSync(c.stopCh)
		if done != nil {
			done <- struct{}{}
		}
		klog.Info("Cache informer synced")
	}()
}

func (c *Cache) Stop() {
	close(c.stopCh)
	klog.Info("Cache informer stopped")
}

func (c *Cache) AddPodEventHandler(handler cache.ResourceEventHandlerFuncs) {
	_, err := c.podInformer.AddEventHandler(handler)
	if err != nil {
		panic(err)
	}
}

func (c *Cache) GetPod(name string) (*corev1.Pod, error) {
	key := c.namespace + "/" + name
	obj, exists, err := c.podInformer.GetStore().GetByKey(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("pod %s not found in informer cache", key)
	}
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil, fmt.Errorf("object in informer cache is not a pod")
	}
	return pod, nil
}

// SelectPods returns managed pods that match the given label selector
func (c *Cache) SelectPods(keysAndValues ...string) ([]*corev1.Pod, error) {
	return SelectObjectFromInformerWithLabelSelector[*corev1.Pod](c.podInformer, keysAndValues...)
}

func (c *Cache) Refresh() {
	c.informerFactory.WaitForCacheSync(c.stopCh)
}
