package cache

import (
	"fmt"
	"sort"

	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/objects"
)

// ObjectClass groups view objects into separately stored populations.
type ObjectClass int

const (
	ClassNormal ObjectClass = iota
	ClassLightCamera
	ClassMaterial
)

var objectClasses = []ObjectClass{ClassNormal, ClassLightCamera, ClassMaterial}

func (c ObjectClass) String() string {
	switch c {
	case ClassLightCamera:
		return "light_camera"
	case ClassMaterial:
		return "material"
	default:
		return "normal"
	}
}

// FileName is the .zencache file holding the class inside a frame directory.
func (c ObjectClass) FileName() string {
	switch c {
	case ClassLightCamera:
		return "lightCameraObjs.zencache"
	case ClassMaterial:
		return "materialObjs.zencache"
	default:
		return "normalObjs.zencache"
	}
}

// Classifier maps producing node classes to object classes. Objects from unlisted
// classes fall back to their "kind" metadata.
type Classifier struct {
	Lights    map[string]bool
	Cameras   map[string]bool
	Materials map[string]bool
}

// DefaultClassifier knows the reference node library.
func DefaultClassifier() Classifier {
	return Classifier{
		Lights:    map[string]bool{"Light": true, "PointLight": true, "DistantLight": true},
		Cameras:   map[string]bool{"Camera": true},
		Materials: map[string]bool{"Material": true, "ShaderFinalize": true},
	}
}

// Classify returns the class of obj produced by a node of class nodeClass.
func (c Classifier) Classify(nodeClass string, obj objects.Object) ObjectClass {
	switch {
	case c.Lights[nodeClass], c.Cameras[nodeClass]:
		return ClassLightCamera
	case c.Materials[nodeClass]:
		return ClassMaterial
	}
	switch objects.KindOf(obj) {
	case objects.KindLight, objects.KindCamera:
		return ClassLightCamera
	case objects.KindMaterial:
		return ClassMaterial
	}
	return ClassNormal
}

func (c Classifier) isLight(nodeClass string, obj objects.Object) bool {
	return c.Lights[nodeClass] || objects.KindOf(obj) == objects.KindLight
}

// ClassChange reports how the classified population moved since the previous update.
type ClassChange struct {
	LightCameraChanged bool
	MaterialChanged    bool

	Added   []string
	Removed []string
}

func (cc *ClassChange) note(class ObjectClass) {
	switch class {
	case ClassLightCamera:
		cc.LightCameraChanged = true
	case ClassMaterial:
		cc.MaterialChanged = true
	}
}

// UpdateClassification reconciles the classification table with the objects registered
// by the last run. Only ids that appeared or disappeared are classified again.
func (c *FrameCache) UpdateClassification(entries []objects.Entry) ClassChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	var change ClassChange
	current := make(map[string]bool, len(entries))
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = objects.IDOf(e.Key)
		}
		current[id] = true
		if _, known := c.classes[id]; known {
			if _, live := c.lights[id]; live && e.Object != nil {
				c.lights[id] = e.Object
			}
			continue
		}
		class := c.Classifier.Classify(e.NodeClass, e.Object)
		c.classes[id] = class
		if class == ClassLightCamera && c.Classifier.isLight(e.NodeClass, e.Object) && e.Object != nil {
			c.lights[id] = e.Object
		}
		change.Added = append(change.Added, id)
		change.note(class)
	}
	for id, class := range c.classes {
		if current[id] {
			continue
		}
		delete(c.classes, id)
		delete(c.lights, id)
		change.Removed = append(change.Removed, id)
		change.note(class)
	}
	sort.Strings(change.Added)
	sort.Strings(change.Removed)

	if len(change.Added)+len(change.Removed) > 0 {
		c.logger.Debug().
			Int("added", len(change.Added)).
			Int("removed", len(change.Removed)).
			Bool("light_camera_changed", change.LightCameraChanged).
			Bool("material_changed", change.MaterialChanged).
			Msg("Classification updated")
	}
	return change
}

// ClassOf returns the recorded class of object id.
func (c *FrameCache) ClassOf(id string) (ObjectClass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	class, ok := c.classes[id]
	return class, ok
}

// classOfKey is the class used when dumping key. Callers hold c.mu.
func (c *FrameCache) classOfKey(key string, obj objects.Object) ObjectClass {
	if class, ok := c.classes[objects.IDOf(key)]; ok {
		return class
	}
	return c.Classifier.Classify("", obj)
}

// SetLightObject pins a light object by id, independent of frame residency.
func (c *FrameCache) SetLightObject(id string, obj objects.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lights[id] = obj
}

// LightObjects returns a snapshot of the pinned light objects.
func (c *FrameCache) LightObjects() map[string]objects.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]objects.Object, len(c.lights))
	for id, obj := range c.lights {
		out[id] = obj
	}
	return out
}

// UpdateLightObject edits a pinned light in place for live light tweaking.
func (c *FrameCache) UpdateLightObject(id string, edit func(objects.Object) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.lights[id]
	if !ok {
		return engine.NewStructuralError(fmt.Sprintf("light object %q not found", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return edit(obj)
}
