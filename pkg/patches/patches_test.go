package patches

import (
	"errors"
	"reflect"
	"testing"

	"github.com/cloudconductor/conductor/pkg/template"
)

const webTemplate = `{
  "Resources": {
    "VPC": {"Type": "AWS::EC2::VPC", "Properties": {"CidrBlock": "10.0.0.0/16"}},
    "SubnetA": {"Type": "AWS::EC2::Subnet", "Properties": {"VpcId": {"Ref": "VPC"}, "AvailabilityZone": "zone-a"}},
    "SubnetB": {"Type": "AWS::EC2::Subnet", "Properties": {"VpcId": {"Ref": "VPC"}}},
    "RouteAssocB": {"Type": "AWS::EC2::SubnetRouteTableAssociation", "Properties": {"SubnetId": {"Ref": "SubnetB"}}},
    "WebServer": {
      "Type": "AWS::EC2::Instance",
      "Properties": {
        "ImageId": "ami-1",
        "IamInstanceProfile": {"Ref": "Profile"},
        "NetworkInterfaces": [
          {"DeviceIndex": "0", "SubnetId": {"Ref": "SubnetA"}, "AssociatePublicIpAddress": true}
        ]
      }
    },
    "Profile": {"Type": "AWS::IAM::InstanceProfile", "Properties": {"Roles": ["r"]}},
    "Nic": {"Type": "AWS::EC2::NetworkInterface", "Properties": {"SubnetId": {"Ref": "SubnetA"}}},
    "WebEIP": {"Type": "AWS::EC2::EIP", "Properties": {"InstanceId": {"Ref": "WebServer"}}},
    "WaitWeb": {"Type": "AWS::CloudFormation::WaitCondition", "DependsOn": ["WebServer", "VPC"]},
    "LB": {
      "Type": "AWS::ElasticLoadBalancing::LoadBalancer",
      "Properties": {
        "Instances": [{"Ref": "WebServer"}],
        "Subnets": [{"Ref": "SubnetA"}, {"Ref": "SubnetB"}]
      }
    }
  },
  "Outputs": {
    "FrontendAddress": {"Value": {"Fn::GetAtt": ["WebServer", "PublicIp"]}},
    "VpcId": {"Value": {"Ref": "VPC"}},
    "PrivateIp": {"Value": {"Fn::GetAtt": ["Nic", "PrimaryPrivateIpAddress"]}}
  }
}`

func mustParse(t *testing.T, doc string) *template.Template {
	t.Helper()
	tmpl, err := template.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("failed to parse template: %v", err)
	}
	return tmpl
}

func refList(ids ...string) *template.Node {
	items := make([]*template.Node, 0, len(ids))
	for _, id := range ids {
		items = append(items, template.CloudFormation.NewRef(id))
	}
	return template.List(items...)
}

func TestPatches_Idempotent(t *testing.T) {
	ctx := &Context{
		InstanceCounts:    map[string]int{"WebServer": 3},
		AvailabilityZones: []string{"zone-a", "zone-b"},
	}

	for _, provider := range []string{ProviderCloudFormation, ProviderHeat} {
		for _, patch := range ForProvider(provider).Patches() {
			t.Run(provider+"/"+patch.Name(), func(t *testing.T) {
				tmpl := mustParse(t, webTemplate)
				if !patch.Need(tmpl, ctx) {
					t.Fatalf("Expected patch to be needed on the raw template")
				}

				once, err := patch.Apply(tmpl, ctx)
				if err != nil {
					t.Fatalf("failed to apply patch: %v", err)
				}
				if patch.Need(once, ctx) {
					t.Errorf("Expected Need to be false after Apply")
				}

				twice, err := patch.Apply(once, ctx)
				if err != nil {
					t.Fatalf("failed to reapply patch: %v", err)
				}
				if !twice.Equal(once) {
					t.Errorf("Expected second application to be a no-op\nonce:  %s\ntwice: %s", once.Root, twice.Root)
				}

				if !tmpl.Equal(mustParse(t, webTemplate)) {
					t.Errorf("Expected input template to be unchanged")
				}
			})
		}
	}
}

func TestRemoveCascade_Completeness(t *testing.T) {
	tmpl := mustParse(t, webTemplate)

	out, err := (&RemoveResource{ID: "WebServer"}).Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to remove resource: %v", err)
	}

	if out.HasResource("WebServer") {
		t.Error("Expected WebServer to be removed")
	}
	if out.Properties("WebEIP").Has("InstanceId") {
		t.Error("Expected direct reference to be stripped from WebEIP")
	}
	if got := out.Properties("LB").Field("Instances").Len(); got != 0 {
		t.Errorf("Expected array-embedded reference to be stripped, %d left", got)
	}
	if got := out.DependsOn("WaitWeb"); !reflect.DeepEqual(got, []string{"VPC"}) {
		t.Errorf("Expected depends-on to keep only VPC, got %v", got)
	}
	if out.Outputs().Has("FrontendAddress") {
		t.Error("Expected output referencing WebServer to be removed")
	}
	if !out.Outputs().Has("VpcId") {
		t.Error("Expected unrelated output to survive")
	}

	for _, id := range []string{"VPC", "SubnetA", "SubnetB", "RouteAssocB", "Profile"} {
		if !out.Resource(id).Equal(tmpl.Resource(id)) {
			t.Errorf("Expected unrelated resource %s to be unchanged", id)
		}
	}
}

func TestRemoveCascade_EmptyDependsOnIsDropped(t *testing.T) {
	tmpl := mustParse(t, `{"Resources": {
	  "A": {"Type": "T"},
	  "B": {"Type": "T", "DependsOn": "A"},
	  "C": {"Type": "T", "DependsOn": ["A"]}
	}}`)

	out := RemoveCascade(tmpl, "A")
	for _, id := range []string{"B", "C"} {
		if out.Resource(id).Has("DependsOn") {
			t.Errorf("Expected empty DependsOn to be removed from %s", id)
		}
	}
}

func TestRemoveResourcesByType(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	patch := &RemoveResourcesByType{Type: TypeSubnet}

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to apply patch: %v", err)
	}
	if len(out.ResourcesOfType(TypeSubnet)) != 0 {
		t.Error("Expected all subnets to be removed")
	}
	if out.Properties("LB").Has("Subnets") && out.Properties("LB").Field("Subnets").Len() != 0 {
		t.Error("Expected load balancer subnet list to be emptied")
	}
	if !out.Resource("VPC").Equal(tmpl.Resource("VPC")) {
		t.Error("Expected VPC to be unchanged")
	}
}

func TestRemoveProperty(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	patch := &RemoveProperty{Type: TypeInstance, Path: []string{"IamInstanceProfile"}}

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to apply patch: %v", err)
	}
	if out.Properties("WebServer").Has("IamInstanceProfile") {
		t.Error("Expected IamInstanceProfile to be removed")
	}
	if !out.HasResource("Profile") {
		t.Error("Expected profile resource itself to survive")
	}
	if got, _ := out.Properties("WebServer").Field("ImageId").Str(); got != "ami-1" {
		t.Errorf("Expected sibling property to survive, got %q", got)
	}
}

func TestRewriteAttribute(t *testing.T) {
	tmpl := mustParse(t, `{"Resources": {
	  "Nic": {"Type": "AWS::EC2::NetworkInterface"},
	  "Other": {"Type": "AWS::EC2::Instance"},
	  "Rec": {"Type": "AWS::Route53::RecordSet", "Properties": {
	    "A": {"Fn::GetAtt": ["Nic", "PrimaryPrivateIpAddress"]},
	    "B": {"Fn::GetAtt": "Nic.PrimaryPrivateIpAddress"},
	    "C": {"Fn::GetAtt": ["Other", "PrimaryPrivateIpAddress"]}
	  }}
	}}`)
	patch := &RewriteAttribute{Type: TypeNetworkInterface, From: "PrimaryPrivateIpAddress", To: "PrivateIpAddress"}

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to apply patch: %v", err)
	}
	props := out.Properties("Rec")
	d := template.CloudFormation
	if !props.Field("A").Equal(d.NewAttr("Nic", "PrivateIpAddress")) {
		t.Errorf("Unexpected list form: %s", props.Field("A"))
	}
	if got, _ := props.Field("B").Field(d.GetAttr).Str(); got != "Nic.PrivateIpAddress" {
		t.Errorf("Unexpected string form: %q", got)
	}
	if !props.Field("C").Equal(tmpl.Properties("Rec").Field("C")) {
		t.Error("Expected lookup on a different type to be unchanged")
	}
}

func TestExtractNetworkInterfaces(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	patch := DefaultNetworkInterfaces()

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to apply patch: %v", err)
	}

	nicID := InterfaceID("WebServer", 0)
	if got := out.ResourceType(nicID); got != TypeNetworkInterface {
		t.Fatalf("Expected %s of type %s, got %q", nicID, TypeNetworkInterface, got)
	}
	nicProps := out.Properties(nicID)
	if !nicProps.Field("SubnetId").Equal(template.CloudFormation.NewRef("SubnetA")) {
		t.Errorf("Expected subnet reference to move to the interface, got %s", nicProps)
	}
	if nicProps.Has("DeviceIndex") || nicProps.Has("AssociatePublicIpAddress") {
		t.Errorf("Expected kept and dropped keys to be absent from the interface, got %s", nicProps)
	}

	block := out.Properties("WebServer").Field("NetworkInterfaces").Item(0)
	if !block.Field("NetworkInterfaceId").Equal(template.CloudFormation.NewRef(nicID)) {
		t.Errorf("Expected block to reference the interface, got %s", block)
	}
	if got, _ := block.Field("DeviceIndex").Str(); got != "0" {
		t.Errorf("Expected DeviceIndex to stay on the instance, got %q", got)
	}
}

func TestExtractNetworkInterfaces_IDCollision(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	tmpl = tmpl.WithResource(InterfaceID("WebServer", 0), template.Object("Type", "AWS::SNS::Topic"))

	_, err := DefaultNetworkInterfaces().Apply(tmpl, &Context{})
	if err == nil {
		t.Fatal("Expected error when the interface id is already taken")
	}
}

func TestReduceSubnets(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	patch := &ReduceSubnets{LoadBalancerType: TypeLoadBalancer, SubnetType: TypeSubnet}

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to apply patch: %v", err)
	}
	if out.HasResource("SubnetB") || out.HasResource("RouteAssocB") {
		t.Error("Expected SubnetB and its dependents to be removed")
	}
	if !out.HasResource("SubnetA") || !out.HasResource("LB") || !out.HasResource("WebServer") {
		t.Error("Expected kept subnet, load balancer and instance to survive")
	}
	if got := out.Properties("LB").Field("Subnets"); !got.Equal(refList("SubnetA")) {
		t.Errorf("Expected load balancer to reference only SubnetA, got %s", got)
	}
}

func TestReduceSubnets_NotNeededWithoutLoadBalancer(t *testing.T) {
	tmpl := mustParse(t, webTemplate).WithoutResource("LB")
	patch := &ReduceSubnets{LoadBalancerType: TypeLoadBalancer, SubnetType: TypeSubnet}
	if patch.Need(tmpl, &Context{}) {
		t.Error("Expected patch not to be needed without a load balancer")
	}
}

func TestScaleOut(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	ctx := &Context{
		InstanceCounts:    map[string]int{"WebServer": 3},
		AvailabilityZones: []string{"zone-a", "zone-b"},
	}

	out, err := (&ScaleOut{}).Apply(tmpl, ctx)
	if err != nil {
		t.Fatalf("failed to scale out: %v", err)
	}
	d := out.Dialect

	wantZones := []string{"zone-a", "zone-b", "zone-a"}
	for k := 0; k < 3; k++ {
		server := CopyID("WebServer", k)
		if !out.HasResource(server) {
			t.Fatalf("Expected copy %s", server)
		}
		if got, _ := out.Properties(server).Field("AvailabilityZone").Str(); got != wantZones[k] {
			t.Errorf("Expected %s in %s, got %q", server, wantZones[k], got)
		}

		eip := CopyID("WebEIP", k)
		if !out.Properties(eip).Field("InstanceId").Equal(d.NewRef(server)) {
			t.Errorf("Expected %s to reference %s, got %s", eip, server, out.Properties(eip).Field("InstanceId"))
		}

		wait := CopyID("WaitWeb", k)
		if got := out.DependsOn(wait); !reflect.DeepEqual(got, []string{server, "VPC"}) {
			t.Errorf("Expected %s to depend on %s and VPC, got %v", wait, server, got)
		}
	}

	if from, ok := ScaledFrom(out, "WebServer3"); !ok || from != "WebServer" {
		t.Errorf("Expected WebServer3 to be marked as a copy of WebServer, got %q", from)
	}

	if out.HasResource("WebServer4") || out.HasResource("LB2") || out.HasResource("VPC2") {
		t.Error("Expected no extra copies of unrelated resources or aggregators")
	}

	if got := out.Properties("LB").Field("Instances"); !got.Equal(refList("WebServer", "WebServer2", "WebServer3")) {
		t.Errorf("Expected load balancer to list all copies, got %s", got)
	}

	want := d.NewJoin(",",
		d.NewAttr("WebServer", "PublicIp"),
		d.NewAttr("WebServer2", "PublicIp"),
		d.NewAttr("WebServer3", "PublicIp"),
	)
	if got := out.Outputs().Field("FrontendAddress").Field("Value"); !got.Equal(want) {
		t.Errorf("Expected joined output %s, got %s", want, got)
	}
	if !out.Outputs().Field("VpcId").Equal(tmpl.Outputs().Field("VpcId")) {
		t.Error("Expected unrelated output to be unchanged")
	}
	if !out.Resource("SubnetB").Equal(tmpl.Resource("SubnetB")) {
		t.Error("Expected unrelated resource to be unchanged")
	}
}

func TestScaleOut_IDCollision(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	tmpl = tmpl.WithResource("WebEIP2", template.Object("Type", "AWS::S3::Bucket"))
	ctx := &Context{InstanceCounts: map[string]int{"WebServer": 2}}

	patch := &ScaleOut{}
	if !patch.Need(tmpl, ctx) {
		t.Fatal("Expected an unrelated resource not to count as an existing copy")
	}
	if _, err := patch.Apply(tmpl, ctx); err == nil {
		t.Fatal("Expected error when a copy id is already taken")
	}
}

func TestScaleOut_SkipsScaledTemplate(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	ctx := &Context{InstanceCounts: map[string]int{"WebServer": 2}}

	patch := &ScaleOut{}
	out, err := patch.Apply(tmpl, ctx)
	if err != nil {
		t.Fatalf("failed to scale out: %v", err)
	}
	for _, id := range []string{"WebServer2", "WebEIP2", "WaitWeb2"} {
		if from, ok := ScaledFrom(out, id); !ok || CopyID(from, 1) != id {
			t.Errorf("Expected %s to be marked as a copy, got %q", id, from)
		}
	}
	if _, ok := ScaledFrom(out, "WebServer"); ok {
		t.Error("Expected the original resource not to be marked")
	}
	if patch.Need(out, ctx) {
		t.Error("Expected scaled template not to need scaling again")
	}
}

func TestScaleOut_KeepsJoinArguments(t *testing.T) {
	tmpl := mustParse(t, `{"Resources": {
	  "Web": {"Type": "AWS::EC2::Instance", "Properties": {"ImageId": "ami-1"}},
	  "Config": {"Type": "AWS::SSM::Parameter", "Properties": {
	    "Value": {"Fn::Join": ["", ["web=", {"Fn::GetAtt": ["Web", "PrivateIp"]}, ";"]]}
	  }}
	}}`)
	ctx := &Context{InstanceCounts: map[string]int{"Web": 2}}

	out, err := (&ScaleOut{}).Apply(tmpl, ctx)
	if err != nil {
		t.Fatalf("failed to scale out: %v", err)
	}
	if !out.HasResource("Web2") {
		t.Fatal("Expected copy Web2")
	}
	if got := out.Properties("Config").Field("Value"); !got.Equal(tmpl.Properties("Config").Field("Value")) {
		t.Errorf("Expected join arguments to be unchanged, got %s", got)
	}
}

func TestInjectCredentials(t *testing.T) {
	tmpl := mustParse(t, webTemplate)
	patch := DefaultCredentials()

	out, err := patch.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to inject credentials: %v", err)
	}
	if out.ResourceType(CredentialsID) != TypeAccessKey {
		t.Errorf("Expected access key resource %s", CredentialsID)
	}
	entry := out.Resource("WebServer").Get("Metadata", "cloudconductor", "credentials")
	if !entry.Field("access_key_id").Equal(out.Dialect.NewRef(CredentialsID)) {
		t.Errorf("Unexpected credentials entry: %s", entry)
	}
	if !out.Resource("VPC").Equal(tmpl.Resource("VPC")) {
		t.Error("Expected untargeted resource to be unchanged")
	}
}

func TestInjectCredentials_InvalidMetadata(t *testing.T) {
	tmpl := mustParse(t, `{"Resources": {
	  "Web": {"Type": "AWS::EC2::Instance", "Metadata": {"cloudconductor": "oops"}}
	}}`)

	_, err := DefaultCredentials().Apply(tmpl, &Context{})
	if err == nil {
		t.Fatal("Expected error for non-map metadata")
	}
}

type failingPatch struct{}

func (failingPatch) Name() string                           { return "failing" }
func (failingPatch) Need(*template.Template, *Context) bool { return true }
func (failingPatch) Apply(*template.Template, *Context) (*template.Template, error) {
	return nil, errors.New("boom")
}

type countingPatch struct{ applied int }

func (p *countingPatch) Name() string                           { return "counting" }
func (p *countingPatch) Need(*template.Template, *Context) bool { return true }
func (p *countingPatch) Apply(t *template.Template, _ *Context) (*template.Template, error) {
	p.applied++
	return t, nil
}

func TestPipeline_AbortsOnFirstError(t *testing.T) {
	after := &countingPatch{}
	pipeline := NewPipeline(failingPatch{}, after)

	_, err := pipeline.Apply(mustParse(t, webTemplate), nil)
	var patchErr *Error
	if !errors.As(err, &patchErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if patchErr.Patch != "failing" {
		t.Errorf("Expected failing patch to be named, got %q", patchErr.Patch)
	}
	if after.applied != 0 {
		t.Errorf("Expected later patches to be skipped, applied %d times", after.applied)
	}
}

func TestPipeline_SkipsUnneededPatches(t *testing.T) {
	var applied []string
	pipeline := ForProvider(ProviderHeat)
	pipeline.OnApply = func(name string) { applied = append(applied, name) }

	tmpl := mustParse(t, `{"Resources": {"Bucket": {"Type": "AWS::S3::Bucket"}}}`)
	out, err := pipeline.Apply(tmpl, &Context{})
	if err != nil {
		t.Fatalf("failed to run pipeline: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("Expected no patches to apply, got %v", applied)
	}
	if !out.Equal(tmpl) {
		t.Error("Expected template to be unchanged")
	}
}

func TestForProvider_Terraform(t *testing.T) {
	if got := len(ForProvider(ProviderTerraform).Patches()); got != 0 {
		t.Errorf("Expected empty pipeline for terraform, got %d patches", got)
	}
}
