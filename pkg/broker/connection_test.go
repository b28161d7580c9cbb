package broker

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
)

func TestConnectionKinds(t *testing.T) {
	Convey("Given connection kind flags", t, func() {
		Convey("HasFlag requires every bit of the flag", func() {
			kinds := ConnectionIPCPipe | ConnectionMultiplexing
			So(kinds.HasFlag(ConnectionIPCPipe), ShouldBeTrue)
			So(kinds.HasFlag(ConnectionMultiplexing), ShouldBeTrue)
			So(kinds.HasFlag(ConnectionLocalActivation), ShouldBeFalse)
			So(kinds.HasFlag(ConnectionIPCPipe|ConnectionLocalActivation), ShouldBeFalse)
		})

		Convey("The wire values are stable", func() {
			So(uint32(ConnectionIPCPipe), ShouldEqual, 0x1)
			So(uint32(ConnectionMultiplexing), ShouldEqual, 0x2)
			So(uint32(ConnectionLocalActivation), ShouldEqual, 0x4)
		})
	})
}

func TestRemoteServiceConnectionInfo(t *testing.T) {
	Convey("Given connection info answers", t, func() {
		Convey("The zero value is empty and matches any kinds", func() {
			var info RemoteServiceConnectionInfo
			So(info.IsEmpty(), ShouldBeTrue)
			So(info.IsOneOf(ConnectionNone), ShouldBeTrue)
		})

		Convey("A pipe answer requires pipe support", func() {
			info := RemoteServiceConnectionInfo{PipeName: "p"}
			So(info.IsEmpty(), ShouldBeFalse)
			So(info.IsOneOf(ConnectionIPCPipe), ShouldBeTrue)
			So(info.IsOneOf(ConnectionMultiplexing), ShouldBeFalse)
		})

		Convey("A channel answer requires multiplexing support", func() {
			id := uint64(3)
			info := RemoteServiceConnectionInfo{MultiplexingChannelID: &id}
			So(info.IsOneOf(ConnectionMultiplexing), ShouldBeTrue)
			So(info.IsOneOf(ConnectionIPCPipe), ShouldBeFalse)
		})

		Convey("A local activation answer requires activation support", func() {
			info := RemoteServiceConnectionInfo{
				LocalActivation: &LocalActivationInfo{FullTypeName: "Calculator"},
			}
			So(info.IsOneOf(ConnectionLocalActivation), ShouldBeTrue)
			So(info.IsOneOf(ConnectionIPCPipe|ConnectionMultiplexing), ShouldBeFalse)
		})

		Convey("The request id survives a JSON round trip", func() {
			id := uuid.New()
			raw, err := json.Marshal(RemoteServiceConnectionInfo{RequestID: &id, PipeName: "p"})
			So(err, ShouldBeNil)

			var decoded RemoteServiceConnectionInfo
			So(json.Unmarshal(raw, &decoded), ShouldBeNil)
			So(*decoded.RequestID, ShouldEqual, id)
			So(decoded.PipeName, ShouldEqual, "p")
		})

		Convey("Local activation serializes under the clrActivation key", func() {
			raw, err := json.Marshal(RemoteServiceConnectionInfo{
				LocalActivation: &LocalActivationInfo{AssemblyPath: "a", FullTypeName: "T"},
			})
			So(err, ShouldBeNil)
			So(string(raw), ShouldContainSubstring, `"clrActivation"`)
		})
	})
}

func TestServiceActivationOptions(t *testing.T) {
	Convey("Given activation options", t, func() {
		original := &ServiceActivationOptions{
			ActivationArguments: map[string]string{"k": "v"},
			ClientCredentials:   map[string]string{"token": "t"},
			ClientCulture:       "en-US",
			ClientUICulture:     "en-US",
			ClientRPCTarget:     struct{}{},
		}

		Convey("Clone shares no mutable state", func() {
			clone := original.Clone()
			clone.ActivationArguments["k"] = "changed"
			clone.ClientCredentials["token"] = "changed"

			So(original.ActivationArguments["k"], ShouldEqual, "v")
			So(original.ClientCredentials["token"], ShouldEqual, "t")
		})

		Convey("Cloning nil yields empty options", func() {
			var nilOpts *ServiceActivationOptions
			So(nilOpts.Clone(), ShouldNotBeNil)
		})

		Convey("Equal ignores the non-serializable fields", func() {
			other := original.Clone()
			other.ClientRPCTarget = nil
			So(original.Equal(other), ShouldBeTrue)

			other.ClientCulture = "fr-FR"
			So(original.Equal(other), ShouldBeFalse)
		})

		Convey("Local-only fields never serialize", func() {
			raw, err := json.Marshal(original)
			So(err, ShouldBeNil)
			So(string(raw), ShouldNotContainSubstring, "ClientRPCTarget")
			So(string(raw), ShouldNotContainSubstring, "MultiplexingSession")
		})
	})
}
