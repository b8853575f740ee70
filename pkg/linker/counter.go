package linker

import "fmt"

// Counter is a named stat printed at the end of a -stat run.
type Counter struct {
	Name  string
	Value int64
}

func NewCounter(ctx *Context, name string, value int64) *Counter {
	c := &Counter{Name: name, Value: value}
	ctx.Counters = append(ctx.Counters, c)
	return c
}

func (c *Counter) Inc(delta int64) {
	c.Value += delta
}

func PrintCounters(ctx *Context) {
	for _, c := range ctx.Counters {
		fmt.Printf("%s=%d\n", c.Name, c.Value)
	}
}
