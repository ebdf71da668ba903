package foundation

import (
	"fmt"
	"math"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zboralski/tarsier/internal/emulator"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/objc"
)

// OSVersion is the iOS release the process reports.
const OSVersion = "14.0"

// Seconds between the Unix epoch and 2001-01-01.
const referenceDate = 978307200

// Dates: isa, seconds since the reference date.
const (
	dateTime = 0x08
	dateSize = 0x10
)

type bundle struct {
	path string
	info map[string]string
}

func (b *bundle) infoKeys() []string {
	keys := make([]string, 0, len(b.info))
	for k := range b.info {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (f *Foundation) mainBundleInfo() *bundle {
	cfg := f.opts.Bundle
	b := &bundle{path: path.Dir(cfg.ExecutablePath), info: map[string]string{}}
	if cfg.ExecutablePath == "" {
		b.path = "/private/var/containers/Bundle/Application/main.app"
	}
	set := func(k, v string) {
		if v != "" {
			b.info[k] = v
		}
	}
	set("CFBundleIdentifier", cfg.Identifier)
	set("CFBundleShortVersionString", cfg.ShortVersion)
	set("CFBundleVersion", cfg.ShortVersion)
	set("CFBundleExecutable", path.Base(cfg.ExecutablePath))
	for k, v := range cfg.Info {
		b.info[k] = v
	}
	return b
}

func (f *Foundation) installSystem() error {
	root := []method{
		{"description", false, f.imDescription},
		{"debugDescription", false, f.imDescription},
	}
	for _, m := range root {
		if err := f.rt.AddMethod(objc.Root, m.sel, m.meta, m.fn); err != nil {
			return err
		}
	}
	for _, install := range []func() error{
		f.installBundle,
		f.installPool,
		f.installUUID,
		f.installProcessInfo,
		f.installDefaults,
		f.installNull,
		f.installDate,
	} {
		if err := install(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Foundation) installBundle() error {
	info := func(self objc.ID, key string) (uint64, error) {
		b := f.bundles[self]
		if b == nil {
			return 0, nil
		}
		v, ok := b.info[key]
		if !ok {
			return 0, nil
		}
		return f.autoreleased(f.NewString(v))
	}
	str := func(fn func(b *bundle) string) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b := f.bundles[self]
			if b == nil {
				return 0, nil
			}
			return f.autoreleased(f.NewString(fn(b)))
		}).host()
	}
	return f.define("NSBundle", objc.Root, collectionSize, []method{
		{"mainBundle", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.MainBundle())
		}).host()},
		{"bundleWithPath:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			p, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, nil
			}
			obj, err := f.allocFor(cls, "NSBundle")
			if err != nil {
				return 0, err
			}
			f.bundles[obj] = &bundle{path: p, info: map[string]string{}}
			return f.autoreleased(obj, nil)
		}).host()},
		{"initWithPath:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			p, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				f.releaseFailedInit(self)
				return 0, nil
			}
			f.bundles[self] = &bundle{path: p, info: map[string]string{}}
			return uint64(self), nil
		}).host()},
		{"bundleIdentifier", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return info(self, "CFBundleIdentifier")
		}).host()},
		{"objectForInfoDictionaryKey:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			key, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				return 0, nil
			}
			return info(self, key)
		}).host()},
		{"infoDictionary", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b := f.bundles[self]
			if b == nil {
				return 0, nil
			}
			var keys, values []objc.ID
			defer func() {
				f.releaseItems(keys)
				f.releaseItems(values)
			}()
			for _, k := range b.infoKeys() {
				ko, err := f.NewString(k)
				if err != nil {
					return 0, err
				}
				keys = append(keys, ko)
				vo, err := f.NewString(b.info[k])
				if err != nil {
					return 0, err
				}
				values = append(values, vo)
			}
			return f.autoreleased(f.NewDictionary(keys, values))
		}).host()},
		{"bundlePath", false, str(func(b *bundle) string { return b.path })},
		{"resourcePath", false, str(func(b *bundle) string { return b.path })},
		{"executablePath", false, str(func(b *bundle) string {
			return path.Join(b.path, b.info["CFBundleExecutable"])
		})},
		{"pathForResource:ofType:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b := f.bundles[self]
			name, err := f.StringValue(objc.ID(e.X(2)))
			if b == nil || err != nil {
				return 0, nil
			}
			if ext, err := f.StringValue(objc.ID(e.X(3))); err == nil && ext != "" {
				name += "." + strings.TrimPrefix(ext, ".")
			}
			return f.autoreleased(f.NewString(path.Join(b.path, name)))
		}).host()},
		{"dealloc", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			delete(f.bundles, self)
			return 0, f.dispose(self)
		}).host()},
	})
}

// MainBundle returns the NSBundle built from the configured bundle.
func (f *Foundation) MainBundle() (objc.ID, error) {
	return f.singleton("NSBundle", func(obj objc.ID) error {
		f.bundles[obj] = f.mainBundleInfo()
		return nil
	})
}

func (f *Foundation) installPool() error {
	// -release and -drain pop the pool; so does a dealloc reached through
	// objc_release
	pop := simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
		var err error
		if tok, ok := f.pools[self]; ok {
			delete(f.pools, self)
			_, err = f.rt.Pool().PopTo(tok)
		}
		if derr := f.dispose(self); err == nil {
			err = derr
		}
		return 0, err
	}).host()
	return f.define("NSAutoreleasePool", objc.Root, collectionSize, []method{
		{"addObject:", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return uint64(f.rt.Autorelease(objc.ID(e.X(2)))), nil
		}).host()},
		{"init", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			f.pools[self] = f.rt.Pool().Push()
			return uint64(self), nil
		}).host()},
		{"addObject:", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return uint64(f.rt.Autorelease(objc.ID(e.X(2)))), nil
		}).host()},
		{"drain", false, pop},
		{"release", false, pop},
		{"dealloc", false, pop},
		{"retain", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, fmt.Errorf("cannot retain an autorelease pool")
		}).host()},
		{"autorelease", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return 0, fmt.Errorf("cannot autorelease an autorelease pool")
		}).host()},
	})
}

func (f *Foundation) installUUID() error {
	value := func(fn func(e *emulator.Emulator, u uuid.UUID) (uint64, error)) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			u, ok := f.uuids[self]
			if !ok {
				return 0, fmt.Errorf("0x%x: %w", uint64(self), ErrNotObject)
			}
			return fn(e, u)
		}).host()
	}
	return f.define("NSUUID", objc.Root, collectionSize, []method{
		{"UUID", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.autoreleased(f.NewUUID(uuid.New()))
		}).host()},
		{"init", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			f.uuids[self] = uuid.New()
			return uint64(self), nil
		}).host()},
		{"initWithUUIDString:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			s, err := f.StringValue(objc.ID(e.X(2)))
			if err != nil {
				f.releaseFailedInit(self)
				return 0, nil
			}
			u, err := uuid.Parse(s)
			if err != nil {
				f.releaseFailedInit(self)
				return 0, nil
			}
			f.uuids[self] = u
			return uint64(self), nil
		}).host()},
		{"initWithUUIDBytes:", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			b, err := e.MemRead(e.X(2), 16)
			if err != nil {
				return 0, err
			}
			f.uuids[self] = uuid.UUID(b)
			return uint64(self), nil
		}).host()},
		{"UUIDString", false, value(func(e *emulator.Emulator, u uuid.UUID) (uint64, error) {
			return f.autoreleased(f.NewString(strings.ToUpper(u.String())))
		})},
		{"getUUIDBytes:", false, value(func(e *emulator.Emulator, u uuid.UUID) (uint64, error) {
			return 0, e.MemWrite(e.X(2), u[:])
		})},
		{"isEqual:", false, value(func(e *emulator.Emulator, u uuid.UUID) (uint64, error) {
			other, ok := f.uuids[objc.ID(e.X(2))]
			return boolValue(ok && other == u), nil
		})},
		{"description", false, value(func(e *emulator.Emulator, u uuid.UUID) (uint64, error) {
			return f.autoreleased(f.NewString(strings.ToUpper(u.String())))
		})},
		{"dealloc", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			delete(f.uuids, self)
			return 0, f.dispose(self)
		}).host()},
	})
}

// NewUUID creates an NSUUID holding u.
func (f *Foundation) NewUUID(u uuid.UUID) (objc.ID, error) {
	obj, err := f.alloc("NSUUID")
	if err != nil {
		return 0, err
	}
	f.uuids[obj] = u
	return obj, nil
}

func (f *Foundation) installProcessInfo() error {
	started := time.Now()
	str := func(fn func() string) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return f.autoreleased(f.NewString(fn()))
		}).host()
	}
	processName := func() string {
		if exe := f.opts.Bundle.ExecutablePath; exe != "" {
			return path.Base(exe)
		}
		return "main"
	}
	return f.define("NSProcessInfo", objc.Root, collectionSize, []method{
		{"processInfo", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("NSProcessInfo", nil))
		}).host()},
		{"processName", false, str(processName)},
		{"hostName", false, str(func() string { return "localhost" })},
		{"globallyUniqueString", false, str(func() string { return strings.ToUpper(uuid.NewString()) })},
		{"operatingSystemVersionString", false, str(func() string { return "Version " + OSVersion })},
		// NSOperatingSystemVersion is returned through X8
		{"operatingSystemVersion", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			var major, minor uint64
			fmt.Sscanf(OSVersion, "%d.%d", &major, &minor)
			for i, v := range []uint64{major, minor, 0} {
				if err := e.MemWriteU64(e.X(8)+8*uint64(i), v); err != nil {
					return 0, err
				}
			}
			return e.X(8), nil
		}).host()},
		{"processIdentifier", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return 1, nil
		}).host()},
		{"processorCount", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return 6, nil
		}).host()},
		{"activeProcessorCount", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return 6, nil
		}).host()},
		{"physicalMemory", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return 4 << 30, nil
		}).host()},
		{"systemUptime", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			e.SetD(0, time.Since(started).Seconds())
			return 0, nil
		}).host()},
		{"arguments", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			arg, err := f.NewString(processName())
			if err != nil {
				return 0, err
			}
			defer f.rt.Release(uint64(arg))
			return f.autoreleased(f.NewArray([]objc.ID{arg}))
		}).host()},
		{"environment", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return f.autoreleased(f.NewDictionary(nil, nil))
		}).host()},
	})
}

// installDefaults backs NSUserDefaults with an in-memory dictionary.
func (f *Foundation) installDefaults() error {
	store := func() (objc.ID, error) {
		return f.singleton("NSMutableDictionary", func(obj objc.ID) error {
			return f.setDictionary(obj, nil, nil)
		})
	}
	get := func(fn func(e *emulator.Emulator, v objc.ID) (uint64, error)) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			d, err := store()
			if err != nil {
				return 0, err
			}
			var v objc.ID
			if i := f.dict(d).index(f, objc.ID(e.X(2))); i >= 0 {
				v = f.dict(d).values[i]
			}
			return fn(e, v)
		}).host()
	}
	put := func(fn func(e *emulator.Emulator) (objc.ID, bool, error)) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			d, err := store()
			if err != nil {
				return 0, err
			}
			v, owned, err := fn(e)
			if err != nil {
				return 0, err
			}
			key := objc.ID(e.X(3))
			if v == 0 {
				return 0, f.removeKey(d, key)
			}
			err = f.setEntry(d, key, v)
			if owned {
				f.rt.Release(uint64(v))
			}
			return 0, err
		}).host()
	}
	scalar := func(n func(e *emulator.Emulator) Number) objc.HostIMP {
		return put(func(e *emulator.Emulator) (objc.ID, bool, error) {
			v, err := f.NewNumber(n(e))
			return v, true, err
		})
	}
	number := func(v objc.ID) Number {
		if f.IsNumber(v) {
			n, _ := f.NumberValue(v)
			return n
		}
		if f.IsString(v) {
			return IntNumber(f.parseInt(v))
		}
		return Number{}
	}
	return f.define("NSUserDefaults", objc.Root, collectionSize, []method{
		{"standardUserDefaults", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("NSUserDefaults", nil))
		}).host()},
		{"objectForKey:", false, get(func(e *emulator.Emulator, v objc.ID) (uint64, error) { return uint64(v), nil })},
		{"stringForKey:", false, get(func(e *emulator.Emulator, v objc.ID) (uint64, error) {
			if !f.IsString(v) {
				return 0, nil
			}
			return uint64(v), nil
		})},
		{"integerForKey:", false, get(func(e *emulator.Emulator, v objc.ID) (uint64, error) {
			return uint64(number(v).Int()), nil
		})},
		{"boolForKey:", false, get(func(e *emulator.Emulator, v objc.ID) (uint64, error) {
			return boolValue(number(v).Bool()), nil
		})},
		{"doubleForKey:", false, get(func(e *emulator.Emulator, v objc.ID) (uint64, error) {
			e.SetD(0, number(v).Float())
			return 0, nil
		})},
		{"setObject:forKey:", false, put(func(e *emulator.Emulator) (objc.ID, bool, error) {
			return objc.ID(e.X(2)), false, nil
		})},
		{"setInteger:forKey:", false, scalar(func(e *emulator.Emulator) Number { return IntNumber(int64(e.X(2))) })},
		{"setBool:forKey:", false, scalar(func(e *emulator.Emulator) Number { return BoolNumber(e.X(2)&0xff != 0) })},
		// the double arrives in D0, so the key is in X2
		{"setDouble:forKey:", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			d, err := store()
			if err != nil {
				return 0, err
			}
			v, err := f.NewNumber(FloatNumber(e.D(0)))
			if err != nil {
				return 0, err
			}
			defer f.rt.Release(uint64(v))
			return 0, f.setEntry(d, objc.ID(e.X(2)), v)
		}).host()},
		{"removeObjectForKey:", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			d, err := store()
			if err != nil {
				return 0, err
			}
			return 0, f.removeKey(d, objc.ID(e.X(2)))
		}).host()},
		{"synchronize", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return 1, nil
		}).host()},
	})
}

func (f *Foundation) installNull() error {
	return f.define("NSNull", objc.Root, collectionSize, []method{
		{"null", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("NSNull", nil))
		}).host()},
		{"description", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return f.autoreleased(f.NewString("<null>"))
		}).host()},
	})
}

func (f *Foundation) installDate() error {
	seconds := func(e *emulator.Emulator, self objc.ID) (float64, error) {
		bits, err := e.MemReadU64(uint64(self) + dateTime)
		return math.Float64frombits(bits), err
	}
	double := func(fn func(t float64) float64) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			t, err := seconds(e, self)
			if err != nil {
				return 0, err
			}
			e.SetD(0, fn(t))
			return 0, nil
		}).host()
	}
	return f.define("NSDate", objc.Root, dateSize, []method{
		{"date", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			return f.autoreleased(f.newDate(cls, time.Now()))
		}).host()},
		{"dateWithTimeIntervalSince1970:", true, simpleIMP(func(e *emulator.Emulator, cls objc.ID) (uint64, error) {
			sec, frac := math.Modf(e.D(0))
			return f.autoreleased(f.newDate(cls, time.Unix(int64(sec), int64(frac*1e9))))
		}).host()},
		{"init", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			return uint64(self), f.setDate(self, time.Now())
		}).host()},
		{"timeIntervalSince1970", false, double(func(t float64) float64 { return t + referenceDate })},
		{"timeIntervalSinceReferenceDate", false, double(func(t float64) float64 { return t })},
		{"timeIntervalSinceNow", false, double(func(t float64) float64 {
			return t - sinceReference(time.Now())
		})},
		{"description", false, simpleIMP(func(e *emulator.Emulator, self objc.ID) (uint64, error) {
			t, err := seconds(e, self)
			if err != nil {
				return 0, err
			}
			at := time.Unix(int64(t)+referenceDate, 0).UTC()
			return f.autoreleased(f.NewString(at.Format("2006-01-02 15:04:05 +0000")))
		}).host()},
	})
}

func sinceReference(t time.Time) float64 {
	return float64(t.UnixNano())/1e9 - referenceDate
}

func (f *Foundation) newDate(cls objc.ID, t time.Time) (objc.ID, error) {
	obj, err := f.allocFor(cls, "NSDate")
	if err != nil {
		return 0, err
	}
	return obj, f.setDate(obj, t)
}

func (f *Foundation) setDate(obj objc.ID, t time.Time) error {
	return f.emu.MemWriteU64(uint64(obj)+dateTime, math.Float64bits(sinceReference(t)))
}

// installUIKit registers the UIKit singletons apps query at launch.
func (f *Foundation) installUIKit() error {
	str := func(s string) objc.HostIMP {
		return simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return f.autoreleased(f.NewString(s))
		}).host()
	}
	zero := simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) { return 0, nil }).host()
	if err := f.define("UIDevice", objc.Root, collectionSize, []method{
		{"currentDevice", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("UIDevice", nil))
		}).host()},
		{"systemVersion", false, str(OSVersion)},
		{"systemName", false, str("iOS")},
		{"model", false, str("iPhone")},
		{"localizedModel", false, str("iPhone")},
		{"name", false, str("iPhone")},
		{"userInterfaceIdiom", false, zero},
		{"identifierForVendor", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("NSUUID", func(obj objc.ID) error {
				f.uuids[obj] = uuid.New()
				return nil
			}))
		}).host()},
	}); err != nil {
		return err
	}
	if err := f.define("UIApplication", objc.Root, collectionSize, []method{
		{"sharedApplication", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("UIApplication", nil))
		}).host()},
		{"delegate", false, zero},
		{"applicationState", false, zero},
		{"canOpenURL:", false, zero},
	}); err != nil {
		return err
	}
	err := f.define("UIScreen", objc.Root, collectionSize, []method{
		{"mainScreen", true, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			return ret(f.singleton("UIScreen", nil))
		}).host()},
		{"scale", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			e.SetD(0, 2)
			return 0, nil
		}).host()},
		// CGRect comes back in D0-D3
		{"bounds", false, simpleIMP(func(e *emulator.Emulator, _ objc.ID) (uint64, error) {
			for i, v := range []float64{0, 0, 375, 667} {
				e.SetD(i, v)
			}
			return 0, nil
		}).host()},
	})
	if err == nil {
		glog.L.Debug("uikit classes registered")
	}
	return err
}
