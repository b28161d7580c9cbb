package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokeredServicesChangedArgsImpacts(t *testing.T) {
	calc := NewServiceMoniker("calculator")
	echo := NewServiceMoniker("echo")

	args := BrokeredServicesChangedArgs{ImpactedServices: []ServiceMoniker{calc}}
	assert.True(t, args.Impacts(calc))
	assert.False(t, args.Impacts(echo))

	catchAll := BrokeredServicesChangedArgs{OtherServicesImpacted: true}
	assert.True(t, catchAll.Impacts(calc))
	assert.True(t, catchAll.Impacts(echo))
}

func TestAvailabilityEventSubscriptionOrder(t *testing.T) {
	var event AvailabilityEvent

	var order []int
	event.Subscribe(func(any, BrokeredServicesChangedArgs) { order = append(order, 1) })
	unsub := event.Subscribe(func(any, BrokeredServicesChangedArgs) { order = append(order, 2) })
	event.Subscribe(func(any, BrokeredServicesChangedArgs) { order = append(order, 3) })

	event.Raise(nil, BrokeredServicesChangedArgs{})
	assert.Equal(t, []int{1, 2, 3}, order)

	order = nil
	unsub()
	event.Raise(nil, BrokeredServicesChangedArgs{})
	assert.Equal(t, []int{1, 3}, order)
}

func TestAvailabilityEventPassesSenderAndArgs(t *testing.T) {
	var event AvailabilityEvent

	sender := &struct{ name string }{name: "broker"}
	args := BrokeredServicesChangedArgs{ImpactedServices: []ServiceMoniker{NewServiceMoniker("calculator")}}

	var gotSender any
	var gotArgs BrokeredServicesChangedArgs
	event.Subscribe(func(s any, a BrokeredServicesChangedArgs) {
		gotSender, gotArgs = s, a
	})

	event.Raise(sender, args)
	assert.Same(t, sender, gotSender)
	assert.Equal(t, args, gotArgs)
}
